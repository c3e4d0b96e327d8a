package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rinha-payment-router/domain/money"
	"rinha-payment-router/infrastructure/service"
)

const schema = `
CREATE TABLE IF NOT EXISTS payments (
	correlation_id TEXT PRIMARY KEY,
	processor      TEXT NOT NULL,
	amount_cents   BIGINT NOT NULL,
	requested_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_processor_requested_at_idx ON payments (processor, requested_at);
CREATE TABLE IF NOT EXISTS processor_totals (
	processor          TEXT PRIMARY KEY,
	total_requests     BIGINT NOT NULL DEFAULT 0,
	total_amount_cents BIGINT NOT NULL DEFAULT 0
);`

type postgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates the ledger tables when missing.
func NewPostgresRepository(ctx context.Context, db *sql.DB) (IRepository, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &postgresRepository{db}, nil
}

func (r *postgresRepository) Record(
	ctx context.Context,
	processor service.ProcessorType,
	amount money.Cents,
	correlationID string,
	requestedAt time.Time,
) (bool, error) {
	if !processor.Valid() {
		return false, fmt.Errorf("%w: %q", service.ErrUnknownProcessor, processor)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO payments (correlation_id, processor, amount_cents, requested_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, string(processor), int64(amount), requestedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record settlement %s: %w", correlationID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processor_totals (processor, total_requests, total_amount_cents)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (processor) DO UPDATE SET
			total_requests = processor_totals.total_requests + 1,
			total_amount_cents = processor_totals.total_amount_cents + EXCLUDED.total_amount_cents`,
		string(processor), int64(amount),
	)
	if err != nil {
		return false, fmt.Errorf("update totals for %s: %w", processor, err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *postgresRepository) Query(ctx context.Context, processor service.ProcessorType, rng Range) (Totals, error) {
	return query(ctx, r, processor, rng)
}

func (r *postgresRepository) Summary(ctx context.Context, rng Range) (map[service.ProcessorType]Totals, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if rng.Unbounded() {
		rows, err = r.db.QueryContext(ctx,
			`SELECT processor, total_requests, total_amount_cents FROM processor_totals`)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT processor, COUNT(*), COALESCE(SUM(amount_cents), 0)
			 FROM payments
			 WHERE ($1::timestamptz IS NULL OR requested_at >= $1)
			   AND ($2::timestamptz IS NULL OR requested_at <= $2)
			 GROUP BY processor`,
			nullTime(rng.From), nullTime(rng.To),
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[service.ProcessorType]Totals, len(service.ProcessorTypes))
	for _, proc := range service.ProcessorTypes {
		summary[proc] = Totals{}
	}
	for rows.Next() {
		var (
			processor string
			requests  int64
			amount    int64
		)
		if err := rows.Scan(&processor, &requests, &amount); err != nil {
			return nil, err
		}
		summary[service.ProcessorType(processor)] = Totals{TotalRequests: requests, TotalAmount: money.Cents(amount)}
	}
	return summary, rows.Err()
}

func (r *postgresRepository) Settled(ctx context.Context, correlationID string) (service.ProcessorType, bool, error) {
	var processor string
	err := r.db.QueryRowContext(ctx,
		`SELECT processor FROM payments WHERE correlation_id = $1`, correlationID,
	).Scan(&processor)
	if errors.Is(err, sql.ErrNoRows) {
		return service.ProcessorTypeNone, false, nil
	}
	if err != nil {
		return service.ProcessorTypeNone, false, err
	}
	return service.ProcessorType(processor), true, nil
}

func (r *postgresRepository) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `TRUNCATE payments, processor_totals`)
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
