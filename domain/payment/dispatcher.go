package payment

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"rinha-payment-router/domain/health"
	"rinha-payment-router/domain/idempotency"
	"rinha-payment-router/domain/summary"
	"rinha-payment-router/infrastructure/config"
	"rinha-payment-router/infrastructure/metrics"
	"rinha-payment-router/infrastructure/service"
)

// State is a step of one dispatch pass.
type State int

const (
	StateRouteSelected State = iota
	StateRecord
	StateReconcileSuspects
	StateAttemptPrimary
	StateReconcilePrimary
	StateAttemptSecondary
	StateReconcileSecondary
	StateSettled
	StateRequeued
)

func (s State) String() string {
	switch s {
	case StateRouteSelected:
		return "route_selected"
	case StateRecord:
		return "record"
	case StateReconcileSuspects:
		return "reconcile_suspects"
	case StateAttemptPrimary:
		return "attempt_primary"
	case StateReconcilePrimary:
		return "reconcile_primary"
	case StateAttemptSecondary:
		return "attempt_secondary"
	case StateReconcileSecondary:
		return "reconcile_secondary"
	case StateSettled:
		return "settled"
	case StateRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

const (
	ReasonExhausted    = "exhausted"
	ReasonInconclusive = "inconclusive"
	ReasonLedger       = "ledger"
	ReasonRejected     = "rejected"
)

// Result ends a pass. Next and Delay are set when the payment goes back to
// the queue.
type Result struct {
	State     State
	Processor service.ProcessorType
	Reason    string
	Next      *PaymentRequest
	Delay     time.Duration
}

type IDispatcher interface {
	Dispatch(ctx context.Context, req PaymentRequest) Result
}

type dispatcher struct {
	client service.IPaymentProcessor
	oracle health.IOracle
	guard  idempotency.IGuard
	ledger summary.IRepository
	cfg    config.WorkerConfig
}

func NewDispatcher(
	client service.IPaymentProcessor,
	oracle health.IOracle,
	guard idempotency.IGuard,
	ledger summary.IRepository,
	cfg config.WorkerConfig,
) IDispatcher {
	return &dispatcher{client: client, oracle: oracle, guard: guard, ledger: ledger, cfg: cfg}
}

// pass carries what one dispatch learned about a payment.
type pass struct {
	req       PaymentRequest
	primary   service.ProcessorType
	secondary service.ProcessorType
	ambiguous map[service.ProcessorType]bool
	suspects  []service.ProcessorType
	settledBy service.ProcessorType
	reason    string
}

func (p *pass) addSuspect(processor service.ProcessorType) {
	if slices.Contains(p.suspects, processor) {
		return
	}
	p.suspects = append(p.suspects, processor)
}

// Dispatch drives req to a settlement on exactly one processor, or decides it
// must wait for a later pass. A processor that may already hold the payment
// is never abandoned for the other one until it has said it does not.
func (d *dispatcher) Dispatch(ctx context.Context, req PaymentRequest) Result {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	p := &pass{
		req:       req,
		ambiguous: make(map[service.ProcessorType]bool, len(service.ProcessorTypes)),
		suspects:  append([]service.ProcessorType(nil), req.Suspects...),
		settledBy: req.SettledBy,
	}

	state := d.entry(ctx, p)
	for {
		log.Debugw("dispatch", "correlationId", req.CorrelationID, "state", state.String())

		switch state {
		case StateRecord:
			state = d.record(ctx, p)
		case StateReconcileSuspects:
			state = d.reconcileSuspects(ctx, p)
		case StateRouteSelected:
			p.primary = d.oracle.GetAvailableProcessor()
			p.secondary = p.primary.Other()
			state = StateAttemptPrimary
		case StateAttemptPrimary:
			state = d.attempt(ctx, p, p.primary, StateReconcilePrimary, StateAttemptSecondary)
		case StateReconcilePrimary:
			state = d.reconcile(ctx, p, p.primary, StateAttemptSecondary)
		case StateAttemptSecondary:
			state = d.attempt(ctx, p, p.secondary, StateReconcileSecondary, StateRequeued)
		case StateReconcileSecondary:
			state = d.reconcile(ctx, p, p.secondary, StateRequeued)
		case StateSettled:
			return Result{State: StateSettled, Processor: p.settledBy}
		case StateRequeued:
			return d.requeue(p)
		default:
			log.Errorw("invalid dispatch state", "correlationId", req.CorrelationID, "state", int(state))
			p.reason = ReasonExhausted
			return d.requeue(p)
		}
	}
}

func (d *dispatcher) entry(ctx context.Context, p *pass) State {
	if p.settledBy.Valid() {
		return StateRecord
	}

	processor, found, err := d.ledger.Settled(ctx, p.req.CorrelationID)
	if err != nil {
		log.Warnw("failed to check ledger before dispatch", "correlationId", p.req.CorrelationID, "error", err)
	} else if found {
		p.settledBy = processor
		return StateSettled
	}

	if len(p.suspects) > 0 {
		return StateReconcileSuspects
	}
	return StateRouteSelected
}

// reconcileSuspects resolves submissions a previous pass could not. A suspect
// that still cannot be resolved is retried first, and its alternative only
// after it answers.
func (d *dispatcher) reconcileSuspects(ctx context.Context, p *pass) State {
	var unresolved []service.ProcessorType
	for _, suspect := range p.suspects {
		found, conclusive := d.probe(ctx, suspect, p.req.CorrelationID)
		if found {
			p.settledBy = suspect
			return StateRecord
		}
		if !conclusive {
			unresolved = append(unresolved, suspect)
			p.ambiguous[suspect] = true
		}
	}

	p.suspects = unresolved
	if len(unresolved) == 0 {
		return StateRouteSelected
	}
	p.primary = unresolved[0]
	p.secondary = p.primary.Other()
	return StateAttemptPrimary
}

// attempt submits to processor up to MaxAttempts times. A definitive
// rejection skips reconciliation unless an earlier try was inconclusive.
func (d *dispatcher) attempt(ctx context.Context, p *pass, processor service.ProcessorType, reconcileState, nextState State) State {
	for try := 1; try <= d.cfg.MaxAttempts; try++ {
		err := d.submit(ctx, p, processor)

		var transient *service.TransientError
		switch {
		case err == nil:
			metrics.SubmitAttempts.WithLabelValues(string(processor), "ok").Inc()
			p.settledBy = processor
			return StateRecord
		case errors.Is(err, service.ErrDuplicatePayment):
			metrics.SubmitAttempts.WithLabelValues(string(processor), "duplicate").Inc()
			p.settledBy = processor
			return StateRecord
		case errors.Is(err, service.ErrRejected):
			metrics.SubmitAttempts.WithLabelValues(string(processor), "rejected").Inc()
			log.Warnw("payment rejected", "correlationId", p.req.CorrelationID, "processor", processor, "error", err)
			if p.ambiguous[processor] {
				return reconcileState
			}
			if nextState == StateRequeued {
				p.reason = ReasonRejected
			}
			return nextState
		case errors.As(err, &transient):
			metrics.SubmitAttempts.WithLabelValues(string(processor), "transient").Inc()
			if transient.Ambiguous {
				p.ambiguous[processor] = true
			}
		default:
			metrics.SubmitAttempts.WithLabelValues(string(processor), "error").Inc()
			p.ambiguous[processor] = true
		}
		log.Debugw("submission failed", "correlationId", p.req.CorrelationID, "processor", processor, "try", try, "error", err)
	}
	return reconcileState
}

func (d *dispatcher) submit(ctx context.Context, p *pass, processor service.ProcessorType) error {
	ctx, cancel := context.WithTimeout(ctx, d.attemptTimeout(processor))
	defer cancel()

	return d.client.Submit(ctx, processor, service.PostPaymentProcessor{
		CorrelationId: p.req.CorrelationID,
		Amount:        p.req.Amount,
		RequestedAt:   p.req.RequestedAt,
	})
}

// attemptTimeout scales with the processor's advertised latency.
func (d *dispatcher) attemptTimeout(processor service.ProcessorType) time.Duration {
	rec := d.oracle.Snapshot(processor)
	if rec == nil || rec.MinResponseTime == health.WorstLatency {
		return d.cfg.AttemptTimeoutMax
	}

	timeout := time.Duration(float64(rec.MinResponseTime)*d.cfg.LatencyFactor) + d.cfg.AttemptTimeoutBase
	return min(max(timeout, d.cfg.AttemptTimeoutMin), d.cfg.AttemptTimeoutMax)
}

func (d *dispatcher) reconcile(ctx context.Context, p *pass, processor service.ProcessorType, nextState State) State {
	found, conclusive := d.probe(ctx, processor, p.req.CorrelationID)
	if found {
		p.settledBy = processor
		return StateRecord
	}
	if !conclusive && p.ambiguous[processor] {
		p.addSuspect(processor)
		p.reason = ReasonInconclusive
		return StateRequeued
	}

	if nextState == StateRequeued {
		p.reason = ReasonExhausted
	}
	return nextState
}

// probe asks processor whether it holds the payment. conclusive is false when
// the question went unanswered or reconciliation is disabled.
func (d *dispatcher) probe(ctx context.Context, processor service.ProcessorType, correlationID string) (found, conclusive bool) {
	if !d.cfg.Reconcile {
		return false, false
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ReconcileTimeout)
	defer cancel()

	found, err := d.client.Lookup(ctx, processor, correlationID)
	switch {
	case err != nil:
		metrics.Reconciliations.WithLabelValues(string(processor), "error").Inc()
		log.Debugw("reconciliation probe failed", "correlationId", correlationID, "processor", processor, "error", err)
		return false, false
	case found:
		metrics.Reconciliations.WithLabelValues(string(processor), "found").Inc()
		return true, true
	default:
		metrics.Reconciliations.WithLabelValues(string(processor), "not_found").Inc()
		return false, true
	}
}

func (d *dispatcher) record(ctx context.Context, p *pass) State {
	processor := p.settledBy
	if !p.req.SettledBy.Valid() {
		metrics.Settlements.WithLabelValues(string(processor)).Inc()
	}

	if _, err := d.guard.TryAcquire(ctx, p.req.CorrelationID, p.req.RequestedAt); err != nil {
		log.Warnw("failed to mark settled payment", "correlationId", p.req.CorrelationID, "error", err)
	}

	var err error
	for try := 0; try <= d.cfg.RecordRetries; try++ {
		if try > 0 {
			if waitErr := sleepCtx(ctx, d.cfg.RequeueBackoff*time.Duration(try)); waitErr != nil {
				err = waitErr
				break
			}
		}
		if _, err = d.ledger.Record(ctx, processor, p.req.Amount, p.req.CorrelationID, p.req.RequestedAt); err == nil {
			p.suspects = nil
			return StateSettled
		}
	}

	log.Errorw("failed to record settlement", "correlationId", p.req.CorrelationID, "processor", processor, "error", err)
	p.reason = ReasonLedger
	return StateRequeued
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *dispatcher) requeue(p *pass) Result {
	next := p.req
	next.Pass++
	next.Suspects = p.suspects
	next.SettledBy = p.settledBy

	metrics.Requeues.WithLabelValues(p.reason).Inc()
	log.Infow("payment requeued",
		"correlationId", p.req.CorrelationID,
		"reason", p.reason,
		"pass", next.Pass,
		"suspects", next.Suspects,
	)

	return Result{
		State:  StateRequeued,
		Reason: p.reason,
		Next:   &next,
		Delay:  d.requeueDelay(p.req.Pass),
	}
}

// requeueDelay doubles per pass up to the configured ceiling.
func (d *dispatcher) requeueDelay(passes int) time.Duration {
	delay := d.cfg.RequeueBackoff
	for i := 0; i < passes && delay < d.cfg.RequeueBackoffMax; i++ {
		delay *= 2
	}
	return min(delay, d.cfg.RequeueBackoffMax)
}
