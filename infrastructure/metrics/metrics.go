package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission
	PaymentsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_admission_total",
			Help: "Payment requests seen by the accept endpoint, by result",
		},
		[]string{"result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payments_queue_depth",
			Help: "Payments waiting in the in-memory admission queue",
		},
	)

	// Dispatch
	SubmitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_submit_attempts_total",
			Help: "Submissions to a processor, by outcome",
		},
		[]string{"processor", "outcome"},
	)

	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_reconciliation_probes_total",
			Help: "Reconciliation probes, by result",
		},
		[]string{"processor", "result"},
	)

	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_settled_total",
			Help: "Payments confirmed by a processor",
		},
		[]string{"processor"},
	)

	Requeues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_requeued_total",
			Help: "Payments returned to the queue for a later pass",
		},
		[]string{"reason"},
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payments_dispatch_duration_seconds",
			Help:    "Time spent on one dispatch pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Health
	HealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_health_probes_total",
			Help: "Health endpoint calls, by result",
		},
		[]string{"processor", "result"},
	)

	ProcessorHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "processor_healthy",
			Help: "1 when the cached health record reports the processor healthy",
		},
		[]string{"processor"},
	)
)
