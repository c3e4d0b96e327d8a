package payment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/nats-io/nats.go"

	"rinha-payment-router/infrastructure/queue"
)

const (
	publishRetryInterval = 10 * time.Millisecond
	minPublishTimeout    = 50 * time.Millisecond
	requeuePublishTries  = 3
)

// natsQueue keeps admitted payments in a bounded JetStream work-queue stream.
// Unacknowledged messages are redelivered after a restart.
type natsQueue struct {
	paymentQueue *queue.PaymentQueue
	sub          *nats.Subscription
	closed       atomic.Bool
}

func NewNatsQueue(paymentQueue *queue.PaymentQueue) (IAdmissionQueue, error) {
	sub, err := paymentQueue.JetStream.QueueSubscribeSync(
		paymentQueue.Subject,
		paymentQueue.Durable,
		nats.AckWait(paymentQueue.AckWait),
		nats.ManualAck(),
		nats.DeliverAll(),
		nats.ReplayInstant(),
		nats.MaxAckPending(paymentQueue.MaxAckPending),
	)
	if err != nil {
		return nil, err
	}
	return &natsQueue{paymentQueue: paymentQueue, sub: sub}, nil
}

// msgID keys broker-side deduplication. Each pass of a payment is a distinct
// message, so retries are not mistaken for duplicate admissions.
func msgID(req PaymentRequest) string {
	if req.Pass == 0 {
		return req.CorrelationID
	}
	return fmt.Sprintf("%s:%d", req.CorrelationID, req.Pass)
}

func (q *natsQueue) publish(ctx context.Context, req PaymentRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = q.paymentQueue.JetStream.Publish(q.paymentQueue.Subject, data, nats.MsgId(msgID(req)), nats.Context(ctx))
	return err
}

// Enqueue keeps publishing until the stream takes the message or maxWait
// elapses. A stream at MaxMsgs rejects the publish, and a publish that is not
// acknowledged in time is treated the same: backpressure, not an error.
func (q *natsQueue) Enqueue(ctx context.Context, req PaymentRequest, maxWait time.Duration) (bool, error) {
	if q.closed.Load() {
		return false, ErrQueueClosed
	}

	deadline := time.Now().Add(maxWait)
	for {
		publishCtx, cancel := context.WithTimeout(ctx, max(time.Until(deadline), minPublishTimeout))
		err := q.publish(publishCtx, req)
		cancel()
		if err == nil {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if time.Now().Add(publishRetryInterval).After(deadline) {
			var apiErr *nats.APIError
			if errors.As(err, &apiErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				log.Debugw("stream rejected payment", "correlationId", req.CorrelationID, "error", err)
				return false, nil
			}
			return false, err
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(publishRetryInterval):
		}
	}
}

func (q *natsQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}

		msg, err := q.sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return nil, ErrQueueClosed
			}
			return nil, err
		}

		var req PaymentRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Errorw("dropping undecodable queue message", "error", err)
			msg.Term()
			continue
		}

		if wait := time.Until(req.NotBefore); wait > 0 {
			msg.NakWithDelay(wait)
			continue
		}

		return &Delivery{
			Request: req,
			ack:     func() error { return msg.Ack() },
			requeue: func(next PaymentRequest, delay time.Duration) error {
				return q.requeue(msg, next, delay)
			},
		}, nil
	}
}

// requeue publishes the updated envelope before acking the original, so the
// payment is in the stream at all times. If the stream has no room the
// original is redelivered instead and the envelope changes are lost.
func (q *natsQueue) requeue(msg *nats.Msg, next PaymentRequest, delay time.Duration) error {
	next.NotBefore = time.Now().Add(delay)

	var err error
	for try := 0; try < requeuePublishTries; try++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = q.publish(ctx, next)
		cancel()
		if err == nil {
			return msg.Ack()
		}
		time.Sleep(publishRetryInterval)
	}

	log.Warnw("requeue publish failed, redelivering original", "correlationId", next.CorrelationID, "error", err)
	return msg.NakWithDelay(delay)
}

func (q *natsQueue) Purge(ctx context.Context) error {
	return q.paymentQueue.JetStream.PurgeStream(q.paymentQueue.StreamName, nats.Context(ctx))
}

func (q *natsQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.sub.Unsubscribe()
}
