package summary

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rinha-payment-router/domain/money"
	"rinha-payment-router/infrastructure/service"
)

const settledKey = "summary:settled"

var recordScript = redis.NewScript(`
	if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
	redis.call('HINCRBY', KEYS[4], 'requests', 1)
	redis.call('HINCRBY', KEYS[4], 'amount', ARGV[3])
	return 1
`)

type repository struct {
	client *redis.Client
}

func NewRepository(client *redis.Client) IRepository {
	return &repository{client}
}

func getDataKey(processor service.ProcessorType) string {
	return fmt.Sprintf("summary:%s:data", processor)
}

func getHistoryKey(processor service.ProcessorType) string {
	return fmt.Sprintf("summary:%s:history", processor)
}

func getTotalsKey(processor service.ProcessorType) string {
	return fmt.Sprintf("summary:%s:totals", processor)
}

func (r *repository) Record(
	ctx context.Context,
	processor service.ProcessorType,
	amount money.Cents,
	correlationID string,
	requestedAt time.Time,
) (bool, error) {
	if !processor.Valid() {
		return false, fmt.Errorf("%w: %q", service.ErrUnknownProcessor, processor)
	}

	keys := []string{settledKey, getDataKey(processor), getHistoryKey(processor), getTotalsKey(processor)}
	inserted, err := recordScript.Run(ctx, r.client, keys,
		correlationID,
		string(processor),
		int64(amount),
		requestedAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("record settlement %s: %w", correlationID, err)
	}
	return inserted == 1, nil
}

func (r *repository) Query(ctx context.Context, processor service.ProcessorType, rng Range) (Totals, error) {
	return query(ctx, r, processor, rng)
}

func (r *repository) Summary(ctx context.Context, rng Range) (map[service.ProcessorType]Totals, error) {
	result := make([]Totals, len(service.ProcessorTypes))
	errs := make([]error, len(service.ProcessorTypes))
	var wg sync.WaitGroup

	for idx, proc := range service.ProcessorTypes {
		wg.Add(1)
		go func(idx int, processor service.ProcessorType) {
			defer wg.Done()
			if rng.Unbounded() {
				result[idx], errs[idx] = r.runningTotals(ctx, processor)
				return
			}
			result[idx], errs[idx] = r.aggregateForProcessor(ctx, processor, rng)
		}(idx, proc)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	summary := make(map[service.ProcessorType]Totals, len(result))
	for idx, proc := range service.ProcessorTypes {
		summary[proc] = result[idx]
	}
	return summary, nil
}

func (r *repository) runningTotals(ctx context.Context, processor service.ProcessorType) (Totals, error) {
	values, err := r.client.HMGet(ctx, getTotalsKey(processor), "requests", "amount").Result()
	if err != nil {
		return Totals{}, err
	}

	requests, err := parseInt(values[0])
	if err != nil {
		return Totals{}, err
	}
	amount, err := parseInt(values[1])
	if err != nil {
		return Totals{}, err
	}
	return Totals{TotalRequests: requests, TotalAmount: money.Cents(amount)}, nil
}

// aggregateForProcessor scans the individual settlements inside the window, so
// the result does not depend on the running counters.
func (r *repository) aggregateForProcessor(ctx context.Context, processor service.ProcessorType, rng Range) (Totals, error) {
	from, to := "-inf", "+inf"
	if rng.From != nil {
		from = strconv.FormatInt(rng.From.UnixMilli(), 10)
	}
	if rng.To != nil {
		to = strconv.FormatInt(rng.To.UnixMilli(), 10)
	}

	ids, err := r.client.ZRangeByScore(ctx, getHistoryKey(processor), &redis.ZRangeBy{
		Min: from,
		Max: to,
	}).Result()
	if err != nil {
		return Totals{}, err
	}
	if len(ids) == 0 {
		return Totals{}, nil
	}

	amounts, err := r.client.HMGet(ctx, getDataKey(processor), ids...).Result()
	if err != nil {
		return Totals{}, err
	}

	var totals Totals
	for _, a := range amounts {
		if a == nil {
			continue
		}
		cents, err := parseInt(a)
		if err != nil {
			return Totals{}, err
		}
		totals.TotalRequests++
		totals.TotalAmount += money.Cents(cents)
	}
	return totals, nil
}

func (r *repository) Settled(ctx context.Context, correlationID string) (service.ProcessorType, bool, error) {
	processor, err := r.client.HGet(ctx, settledKey, correlationID).Result()
	if errors.Is(err, redis.Nil) {
		return service.ProcessorTypeNone, false, nil
	}
	if err != nil {
		return service.ProcessorTypeNone, false, err
	}
	return service.ProcessorType(processor), true, nil
}

func (r *repository) DeleteAll(ctx context.Context) error {
	keys := []string{settledKey}
	for _, proc := range service.ProcessorTypes {
		keys = append(keys, getDataKey(proc), getHistoryKey(proc), getTotalsKey(proc))
	}
	return r.client.Del(ctx, keys...).Err()
}

func parseInt(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	value, canCast := v.(string)
	if !canCast {
		return 0, fmt.Errorf("invalid type for counter: %T", v)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value: %v", err)
	}
	return n, nil
}
