// Package idempotency tracks the first sighting of each correlation id.
package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	markerPrefix = "processed:"
	purgeBatch   = 500
)

// releaseScript removes a marker only if it still carries the caller's
// first-seen stamp.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

type IGuard interface {
	// TryAcquire atomically inserts the marker. Only one caller ever sees true.
	TryAcquire(ctx context.Context, correlationID string, firstSeenAt time.Time) (bool, error)
	// Release drops a marker acquired by the same caller for a payment that was
	// never admitted, so the client can retry it.
	Release(ctx context.Context, correlationID string, firstSeenAt time.Time) error
	Purge(ctx context.Context) error
}

type guard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGuard returns a Redis guard. A zero ttl keeps markers forever.
func NewGuard(client *redis.Client, ttl time.Duration) IGuard {
	return &guard{client: client, ttl: ttl}
}

func markerKey(correlationID string) string {
	return markerPrefix + correlationID
}

func stamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (g *guard) TryAcquire(ctx context.Context, correlationID string, firstSeenAt time.Time) (bool, error) {
	ok, err := g.client.SetNX(ctx, markerKey(correlationID), stamp(firstSeenAt), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire marker %s: %w", correlationID, err)
	}
	return ok, nil
}

func (g *guard) Release(ctx context.Context, correlationID string, firstSeenAt time.Time) error {
	err := releaseScript.Run(ctx, g.client, []string{markerKey(correlationID)}, stamp(firstSeenAt)).Err()
	if err != nil {
		return fmt.Errorf("release marker %s: %w", correlationID, err)
	}
	return nil
}

func (g *guard) Purge(ctx context.Context) error {
	iter := g.client.Scan(ctx, 0, markerPrefix+"*", 1000).Iterator()
	batch := make([]string, 0, purgeBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == purgeBatch {
			if err := g.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return g.client.Del(ctx, batch...).Err()
	}
	return nil
}
