package payment

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"rinha-payment-router/domain/health"
	"rinha-payment-router/domain/idempotency"
	"rinha-payment-router/domain/summary"
	"rinha-payment-router/infrastructure/metrics"
	"rinha-payment-router/infrastructure/service"
)

type Controller struct {
	queue      IAdmissionQueue
	guard      idempotency.IGuard
	repository summary.IRepository
	oracle     health.IOracle
	processors []service.Processor
	maxWait    time.Duration
	now        func() time.Time
}

func NewController(
	queue IAdmissionQueue,
	guard idempotency.IGuard,
	repository summary.IRepository,
	oracle health.IOracle,
	processors []service.Processor,
	maxWait time.Duration,
) *Controller {
	return &Controller{
		queue:      queue,
		guard:      guard,
		repository: repository,
		oracle:     oracle,
		processors: processors,
		maxWait:    maxWait,
		now:        time.Now,
	}
}

func (c *Controller) InitRoutes(app *fiber.App) {
	app.Post("/payments", c.postPayment)
	app.Get("/payments-summary", c.getSummary)
	app.Post("/purge-payments", c.purge)
	app.Get("/processors", c.getProcessors)
}

func (c *Controller) postPayment(ctx *fiber.Ctx) error {
	var input PostInput
	if err := json.Unmarshal(ctx.Body(), &input); err != nil {
		metrics.PaymentsAccepted.WithLabelValues("invalid").Inc()
		return ctx.SendStatus(fiber.StatusBadRequest)
	}

	req, err := input.ToRequest(c.now().UTC())
	if err != nil {
		metrics.PaymentsAccepted.WithLabelValues("invalid").Inc()
		return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	first, err := c.guard.TryAcquire(ctx.UserContext(), req.CorrelationID, req.RequestedAt)
	if err != nil {
		log.Errorw("idempotency check failed", "correlationId", req.CorrelationID, "error", err)
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}
	if !first {
		metrics.PaymentsAccepted.WithLabelValues("duplicate").Inc()
		return ctx.SendStatus(fiber.StatusUnprocessableEntity)
	}

	accepted, err := c.queue.Enqueue(ctx.UserContext(), req, c.maxWait)
	if err != nil || !accepted {
		if releaseErr := c.guard.Release(ctx.UserContext(), req.CorrelationID, req.RequestedAt); releaseErr != nil {
			log.Warnw("failed to release marker", "correlationId", req.CorrelationID, "error", releaseErr)
		}
		if err != nil {
			log.Errorw("failed to enqueue payment", "correlationId", req.CorrelationID, "error", err)
			return ctx.SendStatus(fiber.StatusInternalServerError)
		}
		metrics.PaymentsAccepted.WithLabelValues("busy").Inc()
		return ctx.SendStatus(fiber.StatusServiceUnavailable)
	}

	metrics.PaymentsAccepted.WithLabelValues("accepted").Inc()
	return ctx.SendStatus(fiber.StatusAccepted)
}

func parseRange(ctx *fiber.Ctx) (summary.Range, error) {
	var rng summary.Range
	if from := ctx.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return rng, err
		}
		rng.From = &t
	}
	if to := ctx.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return rng, err
		}
		rng.To = &t
	}
	if rng.From != nil && rng.To != nil && rng.To.Before(*rng.From) {
		return rng, errors.New("to is before from")
	}
	return rng, nil
}

func (c *Controller) getSummary(ctx *fiber.Ctx) error {
	rng, err := parseRange(ctx)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}

	totals, err := c.repository.Summary(ctx.UserContext(), rng)
	if err != nil {
		log.Errorw("failed to load summary", "error", err)
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}

	return ctx.Status(fiber.StatusOK).JSON(ProcessorsSummary{
		Default:  toSummary(totals[service.ProcessorTypeDefault]),
		FallBack: toSummary(totals[service.ProcessorTypeFallback]),
	})
}

func (c *Controller) purge(ctx *fiber.Ctx) error {
	if err := c.repository.DeleteAll(ctx.UserContext()); err != nil {
		log.Errorw("failed to purge ledger", "error", err)
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}

	if err := c.guard.Purge(ctx.UserContext()); err != nil {
		log.Errorw("failed to purge markers", "error", err)
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}

	if err := c.queue.Purge(ctx.UserContext()); err != nil {
		log.Errorw("failed to purge queue", "error", err)
		return ctx.SendStatus(fiber.StatusInternalServerError)
	}

	return ctx.SendStatus(fiber.StatusOK)
}

func (c *Controller) getProcessors(ctx *fiber.Ctx) error {
	now := c.now()
	status := ProcessorsStatus{
		Selected:   string(c.oracle.GetAvailableProcessor()),
		Processors: make([]ProcessorStatus, 0, len(c.processors)),
	}

	for _, p := range c.processors {
		entry := ProcessorStatus{Processor: string(p.Type), FeeRate: p.FeeRate}
		if rec := c.oracle.Snapshot(p.Type); rec != nil {
			entry.Known = rec.Fresh(now)
			entry.Healthy = rec.Healthy
			entry.RateLimited = rec.RateLimited
			entry.ObservedAt = &rec.ObservedAt
			entry.ValidUntil = &rec.ValidUntil
			if rec.MinResponseTime != health.WorstLatency {
				ms := rec.MinResponseTime.Milliseconds()
				entry.MinResponseTimeMs = &ms
			}
		}
		status.Processors = append(status.Processors, entry)
	}

	return ctx.Status(fiber.StatusOK).JSON(status)
}
