package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-router/infrastructure/config"
	"rinha-payment-router/infrastructure/service"
)

type mockProcessorClient struct {
	healthFunc func(ctx context.Context, processor service.ProcessorType) (service.Health, error)
	calls      atomic.Int32
}

func (m *mockProcessorClient) Submit(ctx context.Context, processor service.ProcessorType, input service.PostPaymentProcessor) error {
	return nil
}

func (m *mockProcessorClient) Health(ctx context.Context, processor service.ProcessorType) (service.Health, error) {
	m.calls.Add(1)
	if m.healthFunc != nil {
		return m.healthFunc(ctx, processor)
	}
	return service.Health{}, nil
}

func (m *mockProcessorClient) Lookup(ctx context.Context, processor service.ProcessorType, correlationID string) (bool, error) {
	return false, nil
}

// contendedStore denies the lease and lets a test act as the peer that holds it.
type contendedStore struct {
	IStore
	onLockDenied func()
}

func (s *contendedStore) TryLock(ctx context.Context, processor service.ProcessorType, owner string, lease time.Duration) (bool, error) {
	if s.onLockDenied != nil {
		s.onLockDenied()
	}
	return false, nil
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		TTL:              5 * time.Second,
		LockLease:        5 * time.Second,
		ProbeTimeout:     time.Second,
		LockWait:         10 * time.Millisecond,
		RateLimitBackoff: 5 * time.Second,
		CheckInterval:    20 * time.Millisecond,
	}
}

func setupTestStore(t *testing.T) (IStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, time.Minute), mr
}

func newTestOracle(t *testing.T, client service.IPaymentProcessor, store IStore, now time.Time) *oracle {
	t.Helper()
	o := NewOracle(client, store, testHealthConfig(), "instance-a").(*oracle)
	o.now = func() time.Time { return now }
	return o
}

func TestOracle_ConvergesWithoutFurtherCalls(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			if p == service.ProcessorTypeDefault {
				return service.Health{MinResponseTime: 50}, nil
			}
			return service.Health{MinResponseTime: 80}, nil
		},
	}
	o := newTestOracle(t, client, store, time.Now())
	ctx := context.Background()

	rec := o.Refresh(ctx, service.ProcessorTypeDefault)
	require.NotNil(t, rec)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 50*time.Millisecond, rec.MinResponseTime)
	o.Refresh(ctx, service.ProcessorTypeFallback)
	require.Equal(t, int32(2), client.calls.Load())

	for i := 0; i < 100; i++ {
		assert.Equal(t, service.ProcessorTypeDefault, o.GetAvailableProcessor())
	}
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestOracle_Selection(t *testing.T) {
	now := time.Now()
	record := func(p service.ProcessorType, healthy bool, latency time.Duration, validFor time.Duration) *HealthRecord {
		return &HealthRecord{
			Processor:       p,
			Healthy:         healthy,
			MinResponseTime: latency,
			ObservedAt:      now.Add(-time.Second),
			ValidUntil:      now.Add(validFor),
		}
	}

	tests := []struct {
		name     string
		primary  *HealthRecord
		second   *HealthRecord
		maxRT    time.Duration
		expected service.ProcessorType
	}{
		{"both healthy primary faster", record(service.ProcessorTypeDefault, true, 10*time.Millisecond, time.Minute), record(service.ProcessorTypeFallback, true, 80*time.Millisecond, time.Minute), 0, service.ProcessorTypeDefault},
		{"both healthy secondary faster", record(service.ProcessorTypeDefault, true, 100*time.Millisecond, time.Minute), record(service.ProcessorTypeFallback, true, 20*time.Millisecond, time.Minute), 0, service.ProcessorTypeFallback},
		{"tie favors primary", record(service.ProcessorTypeDefault, true, 30*time.Millisecond, time.Minute), record(service.ProcessorTypeFallback, true, 30*time.Millisecond, time.Minute), 0, service.ProcessorTypeDefault},
		{"only secondary healthy", record(service.ProcessorTypeDefault, false, WorstLatency, time.Minute), record(service.ProcessorTypeFallback, true, 500*time.Millisecond, time.Minute), 0, service.ProcessorTypeFallback},
		{"only primary healthy", record(service.ProcessorTypeDefault, true, 500*time.Millisecond, time.Minute), record(service.ProcessorTypeFallback, false, WorstLatency, time.Minute), 0, service.ProcessorTypeDefault},
		{"nothing known", nil, nil, 0, service.ProcessorTypeDefault},
		{"both down", record(service.ProcessorTypeDefault, false, WorstLatency, time.Minute), record(service.ProcessorTypeFallback, false, WorstLatency, time.Minute), 0, service.ProcessorTypeDefault},
		{"expired healthy primary", record(service.ProcessorTypeDefault, true, 10*time.Millisecond, -time.Millisecond), record(service.ProcessorTypeFallback, true, 80*time.Millisecond, time.Minute), 0, service.ProcessorTypeFallback},
		{"primary down secondary unknown", record(service.ProcessorTypeDefault, false, WorstLatency, time.Minute), nil, 0, service.ProcessorTypeDefault},
		{"primary rate limited secondary unknown", &HealthRecord{Processor: service.ProcessorTypeDefault, MinResponseTime: WorstLatency, RateLimited: true, ObservedAt: now, ValidUntil: now.Add(time.Minute)}, nil, 0, service.ProcessorTypeDefault},
		{"primary too slow", record(service.ProcessorTypeDefault, true, 2*time.Second, time.Minute), record(service.ProcessorTypeFallback, true, 3*time.Second, time.Minute), time.Second, service.ProcessorTypeDefault},
		{"primary over ceiling secondary within", record(service.ProcessorTypeDefault, true, 2*time.Second, time.Minute), record(service.ProcessorTypeFallback, true, 900*time.Millisecond, time.Minute), time.Second, service.ProcessorTypeFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOracle(t, &mockProcessorClient{}, nil, now)
			o.cfg.MaxResponseTime = tt.maxRT
			if tt.primary != nil {
				require.True(t, o.adopt(tt.primary))
			}
			if tt.second != nil {
				require.True(t, o.adopt(tt.second))
			}
			assert.Equal(t, tt.expected, o.GetAvailableProcessor())
		})
	}
}

func TestOracle_ProbeErrorMarksUnhealthy(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			return service.Health{}, &service.TransientError{Processor: p, Err: errors.New("connection refused")}
		},
	}
	now := time.Now()
	o := newTestOracle(t, client, store, now)

	rec := o.Refresh(context.Background(), service.ProcessorTypeDefault)
	require.NotNil(t, rec)
	assert.False(t, rec.Healthy)
	assert.Equal(t, WorstLatency, rec.MinResponseTime)
	assert.Equal(t, now.Add(5*time.Second), rec.ValidUntil)

	shared, err := store.Get(context.Background(), service.ProcessorTypeDefault)
	require.NoError(t, err)
	require.NotNil(t, shared)
	assert.False(t, shared.Healthy)
}

func TestOracle_FailingFlag(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			return service.Health{Failing: true, MinResponseTime: 15}, nil
		},
	}
	o := newTestOracle(t, client, store, time.Now())

	rec := o.Refresh(context.Background(), service.ProcessorTypeFallback)
	require.NotNil(t, rec)
	assert.False(t, rec.Healthy)
}

func TestOracle_RateLimitWindow(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			return service.Health{}, &service.TransientError{Processor: p, StatusCode: 429, RetryAfter: 10 * time.Second}
		},
	}
	now := time.Now()
	o := newTestOracle(t, client, store, now)
	ctx := context.Background()

	rec := o.Refresh(ctx, service.ProcessorTypeDefault)
	require.NotNil(t, rec)
	assert.True(t, rec.RateLimited)
	assert.False(t, rec.Healthy)
	assert.Equal(t, now.Add(10*time.Second), rec.ValidUntil)

	t.Run("short hint uses the backoff floor", func(t *testing.T) {
		store, _ := setupTestStore(t)
		client := &mockProcessorClient{
			healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
				return service.Health{}, &service.TransientError{Processor: p, StatusCode: 429, RetryAfter: time.Second}
			},
		}
		o := newTestOracle(t, client, store, now)
		rec := o.Refresh(ctx, service.ProcessorTypeDefault)
		assert.Equal(t, now.Add(5*time.Second), rec.ValidUntil)
	})

	t.Run("not rechecked inside the window", func(t *testing.T) {
		o.now = func() time.Time { return now.Add(8 * time.Second) }
		o.Refresh(ctx, service.ProcessorTypeDefault)
		assert.Equal(t, int32(1), client.calls.Load())
	})
}

func TestOracle_LockContentionAdoptsPeerRecord(t *testing.T) {
	shared, _ := setupTestStore(t)
	now := time.Now()
	peerRecord := &HealthRecord{
		Processor:       service.ProcessorTypeDefault,
		Healthy:         true,
		MinResponseTime: 40 * time.Millisecond,
		ObservedAt:      now,
		ValidUntil:      now.Add(5 * time.Second),
	}
	store := &contendedStore{
		IStore: shared,
		onLockDenied: func() {
			_, err := shared.Put(context.Background(), peerRecord)
			require.NoError(t, err)
		},
	}
	client := &mockProcessorClient{}
	o := newTestOracle(t, client, store, now)

	rec := o.Refresh(context.Background(), service.ProcessorTypeDefault)
	require.NotNil(t, rec)
	assert.True(t, rec.Healthy)
	assert.Equal(t, 40*time.Millisecond, rec.MinResponseTime)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestOracle_LockContentionKeepsPreviousRecord(t *testing.T) {
	shared, _ := setupTestStore(t)
	now := time.Now()
	client := &mockProcessorClient{}
	o := newTestOracle(t, client, &contendedStore{IStore: shared}, now)

	previous := &HealthRecord{
		Processor:       service.ProcessorTypeFallback,
		Healthy:         true,
		MinResponseTime: 70 * time.Millisecond,
		ObservedAt:      now.Add(-10 * time.Second),
		ValidUntil:      now.Add(-5 * time.Second),
	}
	require.True(t, o.adopt(previous))

	rec := o.Refresh(context.Background(), service.ProcessorTypeFallback)
	assert.Same(t, previous, rec)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestOracle_OnlyOneInstanceProbes(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			return service.Health{MinResponseTime: 5}, nil
		},
	}
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := NewOracle(client, store, testHealthConfig(), string(rune('a'+i))).(*oracle)
			o.now = func() time.Time { return now }
			o.Refresh(context.Background(), service.ProcessorTypeDefault)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), client.calls.Load())
}

func TestOracle_RunRefreshesStaleRecords(t *testing.T) {
	store, _ := setupTestStore(t)
	client := &mockProcessorClient{
		healthFunc: func(ctx context.Context, p service.ProcessorType) (service.Health, error) {
			return service.Health{MinResponseTime: 5}, nil
		},
	}
	o := NewOracle(client, store, testHealthConfig(), "runner")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return o.Snapshot(service.ProcessorTypeDefault) != nil && o.Snapshot(service.ProcessorTypeFallback) != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, int32(2), client.calls.Load())
}

func TestOracle_AdoptIsMonotonic(t *testing.T) {
	now := time.Now()
	o := newTestOracle(t, &mockProcessorClient{}, nil, now)

	newer := &HealthRecord{Processor: service.ProcessorTypeDefault, Healthy: true, ObservedAt: now, ValidUntil: now.Add(time.Second)}
	older := &HealthRecord{Processor: service.ProcessorTypeDefault, Healthy: false, ObservedAt: now.Add(-time.Second), ValidUntil: now.Add(time.Second)}

	assert.True(t, o.adopt(newer))
	assert.False(t, o.adopt(older))
	assert.False(t, o.adopt(newer))
	assert.Same(t, newer, o.Snapshot(service.ProcessorTypeDefault))
}
