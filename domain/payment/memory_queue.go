package payment

import (
	"context"
	"sync"
	"time"

	"rinha-payment-router/infrastructure/metrics"
)

// memoryQueue is a buffered channel plus timers for delayed retries. Nothing
// survives a restart.
type memoryQueue struct {
	items     chan PaymentRequest
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	timers     map[*time.Timer]struct{}
	generation uint64
	purged     chan struct{}
}

const retryPollInterval = 5 * time.Millisecond

func NewMemoryQueue(capacity int) IAdmissionQueue {
	return &memoryQueue{
		items:  make(chan PaymentRequest, capacity),
		closed: make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		purged: make(chan struct{}),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, req PaymentRequest, maxWait time.Duration) (bool, error) {
	select {
	case <-q.closed:
		return false, ErrQueueClosed
	default:
	}

	select {
	case q.items <- req:
		metrics.QueueDepth.Set(float64(len(q.items)))
		return true, nil
	default:
	}
	if maxWait <= 0 {
		return false, nil
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case q.items <- req:
		metrics.QueueDepth.Set(float64(len(q.items)))
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-q.closed:
		return false, ErrQueueClosed
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case req := <-q.items:
		metrics.QueueDepth.Set(float64(len(q.items)))
		return &Delivery{
			Request: req,
			ack:     func() error { return nil },
			requeue: q.retry,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed:
		return nil, ErrQueueClosed
	}
}

// retry puts req back after delay. Retries were already admitted, so they
// wait for room instead of being turned away.
func (q *memoryQueue) retry(req PaymentRequest, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	generation := q.generation
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()

		q.deliverRetry(generation, req)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// deliverRetry sends under the lock so a Purge that bumped the generation
// can never be followed by a stale send.
func (q *memoryQueue) deliverRetry(generation uint64, req PaymentRequest) {
	for {
		q.mu.Lock()
		if generation != q.generation {
			q.mu.Unlock()
			return
		}
		select {
		case q.items <- req:
			q.mu.Unlock()
			metrics.QueueDepth.Set(float64(len(q.items)))
			return
		default:
		}
		purged := q.purged
		q.mu.Unlock()

		select {
		case <-purged:
			return
		case <-q.closed:
			return
		case <-time.After(retryPollInterval):
		}
	}
}

func (q *memoryQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	q.generation++
	close(q.purged)
	q.purged = make(chan struct{})
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	q.mu.Unlock()

	for {
		select {
		case <-q.items:
		default:
			metrics.QueueDepth.Set(0)
			return nil
		}
	}
}

func (q *memoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}
