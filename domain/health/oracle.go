// Package health answers which processor to use without calling out on the
// request path. Records are refreshed in the background, shared between
// instances through Redis, and swapped locally as immutable values.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"rinha-payment-router/infrastructure/config"
	"rinha-payment-router/infrastructure/metrics"
	"rinha-payment-router/infrastructure/service"
)

type IOracle interface {
	GetAvailableProcessor() service.ProcessorType
	Refresh(ctx context.Context, processor service.ProcessorType) *HealthRecord
	Snapshot(processor service.ProcessorType) *HealthRecord
	Run(ctx context.Context)
}

type oracle struct {
	client  service.IPaymentProcessor
	store   IStore
	cfg     config.HealthConfig
	owner   string
	now     func() time.Time
	records map[service.ProcessorType]*atomic.Pointer[HealthRecord]
}

func NewOracle(client service.IPaymentProcessor, store IStore, cfg config.HealthConfig, owner string) IOracle {
	records := make(map[service.ProcessorType]*atomic.Pointer[HealthRecord], len(service.ProcessorTypes))
	for _, p := range service.ProcessorTypes {
		records[p] = &atomic.Pointer[HealthRecord]{}
	}
	return &oracle{
		client:  client,
		store:   store,
		cfg:     cfg,
		owner:   owner,
		now:     time.Now,
		records: records,
	}
}

// GetAvailableProcessor never blocks and never errors. Without usable data it
// guesses the primary; callers still handle that guess failing.
func (o *oracle) GetAvailableProcessor() service.ProcessorType {
	now := o.now()
	primary := o.Snapshot(service.ProcessorTypeDefault)
	secondary := o.Snapshot(service.ProcessorTypeFallback)

	primaryOK := primary.Usable(now, o.cfg.MaxResponseTime)
	secondaryOK := secondary.Usable(now, o.cfg.MaxResponseTime)

	switch {
	case primaryOK && secondaryOK:
		if secondary.MinResponseTime < primary.MinResponseTime {
			return service.ProcessorTypeFallback
		}
		return service.ProcessorTypeDefault
	case primaryOK:
		return service.ProcessorTypeDefault
	case secondaryOK:
		return service.ProcessorTypeFallback
	default:
		return service.ProcessorTypeDefault
	}
}

func (o *oracle) Snapshot(processor service.ProcessorType) *HealthRecord {
	ptr, ok := o.records[processor]
	if !ok {
		return nil
	}
	return ptr.Load()
}

// adopt installs rec locally if it is newer than what is held.
func (o *oracle) adopt(rec *HealthRecord) bool {
	ptr, ok := o.records[rec.Processor]
	if !ok {
		return false
	}
	for {
		current := ptr.Load()
		if !rec.NewerThan(current) {
			return false
		}
		if ptr.CompareAndSwap(current, rec) {
			healthy := 0.0
			if rec.Healthy {
				healthy = 1
			}
			metrics.ProcessorHealthy.WithLabelValues(string(rec.Processor)).Set(healthy)
			return true
		}
	}
}

// Refresh brings the local record for processor up to date. Only the holder
// of the shared lease calls the health endpoint; everyone else waits briefly
// and reads what the holder published.
func (o *oracle) Refresh(ctx context.Context, processor service.ProcessorType) *HealthRecord {
	if o.adoptShared(ctx, processor) {
		return o.Snapshot(processor)
	}

	acquired, err := o.store.TryLock(ctx, processor, o.owner, o.cfg.LockLease)
	if err != nil {
		log.Warnw("health lock unavailable, probing locally", "processor", processor, "error", err)
		acquired = true
	}

	if !acquired {
		timer := time.NewTimer(o.cfg.LockWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return o.Snapshot(processor)
		case <-timer.C:
		}
		o.adoptShared(ctx, processor)
		return o.Snapshot(processor)
	}

	rec := o.probe(ctx, processor)
	o.adopt(rec)
	if _, err := o.store.Put(ctx, rec); err != nil {
		log.Warnw("failed to publish health record", "processor", processor, "error", err)
	}
	return o.Snapshot(processor)
}

// adoptShared reports whether a fresh shared record is now held locally.
func (o *oracle) adoptShared(ctx context.Context, processor service.ProcessorType) bool {
	shared, err := o.store.Get(ctx, processor)
	if err != nil {
		log.Warnw("failed to read shared health record", "processor", processor, "error", err)
		return false
	}
	if shared == nil {
		return false
	}
	o.adopt(shared)
	return shared.Fresh(o.now())
}

func (o *oracle) probe(ctx context.Context, processor service.ProcessorType) *HealthRecord {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	h, err := o.client.Health(ctx, processor)
	now := o.now()

	if err != nil {
		if wait, limited := service.RateLimited(err); limited {
			window := max(wait, o.cfg.RateLimitBackoff)
			metrics.HealthProbes.WithLabelValues(string(processor), "rate_limited").Inc()
			log.Debugw("health check rate limited", "processor", processor, "window", window)
			return &HealthRecord{
				Processor:       processor,
				MinResponseTime: WorstLatency,
				ObservedAt:      now,
				ValidUntil:      now.Add(window),
				RateLimited:     true,
			}
		}

		metrics.HealthProbes.WithLabelValues(string(processor), "error").Inc()
		log.Warnw("health check failed", "processor", processor, "error", err)
		return &HealthRecord{
			Processor:       processor,
			MinResponseTime: WorstLatency,
			ObservedAt:      now,
			ValidUntil:      now.Add(o.cfg.TTL),
		}
	}

	metrics.HealthProbes.WithLabelValues(string(processor), "ok").Inc()
	return &HealthRecord{
		Processor:       processor,
		Healthy:         !h.Failing,
		MinResponseTime: time.Duration(h.MinResponseTime) * time.Millisecond,
		ObservedAt:      now,
		ValidUntil:      now.Add(o.cfg.TTL),
	}
}

// Run refreshes missing or expired records every check interval until ctx ends.
func (o *oracle) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		o.refreshStale(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *oracle) refreshStale(ctx context.Context) {
	now := o.now()
	var wg sync.WaitGroup
	for _, p := range service.ProcessorTypes {
		if o.Snapshot(p).Fresh(now) {
			continue
		}
		wg.Add(1)
		go func(processor service.ProcessorType) {
			defer wg.Done()
			o.Refresh(ctx, processor)
		}(p)
	}
	wg.Wait()
}
