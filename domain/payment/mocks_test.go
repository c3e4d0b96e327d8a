package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rinha-payment-router/domain/health"
	"rinha-payment-router/domain/idempotency"
	"rinha-payment-router/domain/money"
	"rinha-payment-router/domain/summary"
	"rinha-payment-router/infrastructure/service"
)

// mockProcessorClient is a mock implementation of service.IPaymentProcessor
type mockProcessorClient struct {
	submitFunc func(ctx context.Context, processor service.ProcessorType, input service.PostPaymentProcessor) error
	lookupFunc func(ctx context.Context, processor service.ProcessorType, correlationID string) (bool, error)

	mu      sync.Mutex
	submits map[service.ProcessorType]int
	lookups map[service.ProcessorType]int
}

func (m *mockProcessorClient) Submit(ctx context.Context, processor service.ProcessorType, input service.PostPaymentProcessor) error {
	m.mu.Lock()
	if m.submits == nil {
		m.submits = make(map[service.ProcessorType]int)
	}
	m.submits[processor]++
	m.mu.Unlock()

	if m.submitFunc != nil {
		return m.submitFunc(ctx, processor, input)
	}
	return nil
}

func (m *mockProcessorClient) Health(ctx context.Context, processor service.ProcessorType) (service.Health, error) {
	return service.Health{}, nil
}

func (m *mockProcessorClient) Lookup(ctx context.Context, processor service.ProcessorType, correlationID string) (bool, error) {
	m.mu.Lock()
	if m.lookups == nil {
		m.lookups = make(map[service.ProcessorType]int)
	}
	m.lookups[processor]++
	m.mu.Unlock()

	if m.lookupFunc != nil {
		return m.lookupFunc(ctx, processor, correlationID)
	}
	return false, nil
}

func (m *mockProcessorClient) submitCount(processor service.ProcessorType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[processor]
}

func (m *mockProcessorClient) lookupCount(processor service.ProcessorType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[processor]
}

// mockOracle is a mock implementation of health.IOracle
type mockOracle struct {
	available service.ProcessorType
	records   map[service.ProcessorType]*health.HealthRecord
}

func (m *mockOracle) GetAvailableProcessor() service.ProcessorType {
	if m.available == service.ProcessorTypeNone {
		return service.ProcessorTypeDefault
	}
	return m.available
}

func (m *mockOracle) Refresh(ctx context.Context, processor service.ProcessorType) *health.HealthRecord {
	return m.Snapshot(processor)
}

func (m *mockOracle) Snapshot(processor service.ProcessorType) *health.HealthRecord {
	return m.records[processor]
}

func (m *mockOracle) Run(ctx context.Context) {}

// failingLedger refuses writes while failing is set.
type failingLedger struct {
	summary.IRepository
	mu      sync.Mutex
	failing bool
}

func (l *failingLedger) setFailing(failing bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failing = failing
}

func (l *failingLedger) Record(ctx context.Context, processor service.ProcessorType, amount money.Cents, correlationID string, requestedAt time.Time) (bool, error) {
	l.mu.Lock()
	failing := l.failing
	l.mu.Unlock()
	if failing {
		return false, errors.New("connection refused")
	}
	return l.IRepository.Record(ctx, processor, amount, correlationID, requestedAt)
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func setupStores(t *testing.T) (idempotency.IGuard, summary.IRepository) {
	t.Helper()
	client := setupTestRedis(t)
	return idempotency.NewGuard(client, 0), summary.NewRepository(client)
}

func transient500(processor service.ProcessorType) error {
	return &service.TransientError{Processor: processor, StatusCode: 500}
}

func transientTimeout(processor service.ProcessorType) error {
	return &service.TransientError{Processor: processor, Ambiguous: true, Err: context.DeadlineExceeded}
}
