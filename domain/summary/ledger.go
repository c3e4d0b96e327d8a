// Package summary keeps per-processor settlement totals. Amounts are integer
// cents end to end; Record is an idempotent upsert keyed by correlation id.
package summary

import (
	"context"
	"time"

	"rinha-payment-router/domain/money"
	"rinha-payment-router/infrastructure/service"
)

type Totals struct {
	TotalRequests int64
	TotalAmount   money.Cents
}

func (t Totals) Add(other Totals) Totals {
	return Totals{
		TotalRequests: t.TotalRequests + other.TotalRequests,
		TotalAmount:   t.TotalAmount + other.TotalAmount,
	}
}

// Range bounds a query by requestedAt, both ends inclusive. A nil bound is open.
type Range struct {
	From *time.Time
	To   *time.Time
}

// Unbounded reports whether the maintained running totals can answer the query.
func (r Range) Unbounded() bool {
	return r.From == nil && r.To == nil
}

type IRepository interface {
	// Record stores the settlement and bumps the processor totals. It returns
	// false, and changes nothing, when correlationID was already recorded.
	Record(ctx context.Context, processor service.ProcessorType, amount money.Cents, correlationID string, requestedAt time.Time) (bool, error)
	// Query returns totals for one processor, or for all when processor is
	// ProcessorTypeNone.
	Query(ctx context.Context, processor service.ProcessorType, r Range) (Totals, error)
	Summary(ctx context.Context, r Range) (map[service.ProcessorType]Totals, error)
	// Settled reports where correlationID was recorded, if anywhere.
	Settled(ctx context.Context, correlationID string) (service.ProcessorType, bool, error)
	DeleteAll(ctx context.Context) error
}

func query(ctx context.Context, repo IRepository, processor service.ProcessorType, r Range) (Totals, error) {
	all, err := repo.Summary(ctx, r)
	if err != nil {
		return Totals{}, err
	}
	if processor != service.ProcessorTypeNone {
		return all[processor], nil
	}
	var total Totals
	for _, t := range all {
		total = total.Add(t)
	}
	return total, nil
}
