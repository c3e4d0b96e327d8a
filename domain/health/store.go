package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"rinha-payment-router/infrastructure/service"
)

// IStore shares health records and the refresh lease between instances.
type IStore interface {
	Get(ctx context.Context, processor service.ProcessorType) (*HealthRecord, error)
	// Put stores rec unless the shared copy was observed at the same time or
	// later. It reports whether rec was written.
	Put(ctx context.Context, rec *HealthRecord) (bool, error)
	// TryLock takes the refresh lease for processor. There is no unlock; the
	// lease expires on its own.
	TryLock(ctx context.Context, processor service.ProcessorType, owner string, lease time.Duration) (bool, error)
}

var putScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'observedAt')
	if current and tonumber(current) >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call('HSET', KEYS[1], 'observedAt', ARGV[1], 'record', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
`)

type store struct {
	client *redis.Client
	// retention keeps expired records around so a peer that lost the lock
	// race still has something to compare against.
	retention time.Duration
}

func NewStore(client *redis.Client, retention time.Duration) IStore {
	return &store{client: client, retention: retention}
}

func getRecordKey(processor service.ProcessorType) string {
	return fmt.Sprintf("health:%s", processor)
}

func getLockKey(processor service.ProcessorType) string {
	return fmt.Sprintf("health:lock:%s", processor)
}

func (s *store) Get(ctx context.Context, processor service.ProcessorType) (*HealthRecord, error) {
	raw, err := s.client.HGet(ctx, getRecordKey(processor), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec HealthRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode health record for %s: %w", processor, err)
	}
	return &rec, nil
}

func (s *store) Put(ctx context.Context, rec *HealthRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	expireIn := time.Until(rec.ValidUntil) + s.retention
	if expireIn < time.Millisecond {
		expireIn = time.Millisecond
	}

	written, err := putScript.Run(ctx, s.client, []string{getRecordKey(rec.Processor)},
		rec.ObservedAt.UnixMicro(),
		raw,
		expireIn.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return written == 1, nil
}

func (s *store) TryLock(ctx context.Context, processor service.ProcessorType, owner string, lease time.Duration) (bool, error) {
	return s.client.SetNX(ctx, getLockKey(processor), owner, lease).Result()
}
