package payment

import (
	"context"
	"errors"
	"time"
)

var ErrQueueClosed = errors.New("admission queue closed")

// IAdmissionQueue is the bounded buffer between acceptance and the workers.
type IAdmissionQueue interface {
	// Enqueue waits up to maxWait for room. It returns false when the queue
	// stayed full, so the caller can answer with backpressure.
	Enqueue(ctx context.Context, req PaymentRequest, maxWait time.Duration) (bool, error)
	// Dequeue blocks until a payment is due or the queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)
	Purge(ctx context.Context) error
	Close() error
}

// Delivery is a dequeued payment. Exactly one of Ack or Requeue must be called.
type Delivery struct {
	Request PaymentRequest

	ack     func() error
	requeue func(next PaymentRequest, delay time.Duration) error
}

func (d *Delivery) Ack() error {
	return d.ack()
}

// Requeue hands next back to the queue, to be delivered again after delay.
func (d *Delivery) Requeue(next PaymentRequest, delay time.Duration) error {
	return d.requeue(next, delay)
}
