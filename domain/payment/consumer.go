package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const dequeueErrorBackoff = 100 * time.Millisecond

type IConsumer interface {
	StartProcess() error
	Close()
}

// consumer runs a fixed pool of workers over the admission queue. Workers
// share nothing but the queue and the dispatcher's collaborators.
type consumer struct {
	queue      IAdmissionQueue
	dispatcher IDispatcher
	workers    int
	ctx        context.Context
	cancelCtx  context.CancelFunc
	wg         sync.WaitGroup
}

func NewConsumer(queue IAdmissionQueue, dispatcher IDispatcher, workers int) IConsumer {
	ctx, cancelCtx := context.WithCancel(context.Background())

	return &consumer{
		queue:      queue,
		dispatcher: dispatcher,
		workers:    workers,
		ctx:        ctx,
		cancelCtx:  cancelCtx,
	}
}

// StartProcess blocks until Close is called and every worker has returned.
func (c *consumer) StartProcess() error {
	c.wg.Add(c.workers)
	for i := 0; i < c.workers; i++ {
		go c.work(i)
	}
	c.wg.Wait()
	return nil
}

func (c *consumer) work(id int) {
	defer c.wg.Done()

	for {
		delivery, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || c.ctx.Err() != nil {
				log.Debugw("worker stopped", "worker", id)
				return
			}
			log.Warnw("dequeue failed", "worker", id, "error", err)
			time.Sleep(dequeueErrorBackoff)
			continue
		}

		c.processMessage(delivery)
	}
}

// processMessage finishes the pass even when shutdown has started. Every
// outbound call inside it carries its own timeout.
func (c *consumer) processMessage(delivery *Delivery) {
	result := c.dispatcher.Dispatch(context.WithoutCancel(c.ctx), delivery.Request)

	switch result.State {
	case StateSettled:
		if err := delivery.Ack(); err != nil {
			log.Warnw("failed to ack settled payment", "correlationId", delivery.Request.CorrelationID, "error", err)
		}
	default:
		if err := delivery.Requeue(*result.Next, result.Delay); err != nil {
			log.Errorw("failed to requeue payment", "correlationId", delivery.Request.CorrelationID, "error", err)
		}
	}
}

func (c *consumer) Close() {
	c.cancelCtx()
	c.wg.Wait()
}
