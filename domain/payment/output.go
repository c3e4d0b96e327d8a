package payment

import (
	"time"

	"rinha-payment-router/domain/money"
	"rinha-payment-router/domain/summary"
)

type ProcessorsSummary struct {
	Default  Summary `json:"default"`
	FallBack Summary `json:"fallback"`
}

type Summary struct {
	TotalRequests int64       `json:"totalRequests"`
	TotalAmount   money.Cents `json:"totalAmount"`
}

func toSummary(t summary.Totals) Summary {
	return Summary{TotalRequests: t.TotalRequests, TotalAmount: t.TotalAmount}
}

type ProcessorStatus struct {
	Processor         string     `json:"processor"`
	FeeRate           float64    `json:"feeRate"`
	Known             bool       `json:"known"`
	Healthy           bool       `json:"healthy"`
	MinResponseTimeMs *int64     `json:"minResponseTimeMs"`
	RateLimited       bool       `json:"rateLimited"`
	ObservedAt        *time.Time `json:"observedAt,omitempty"`
	ValidUntil        *time.Time `json:"validUntil,omitempty"`
}

type ProcessorsStatus struct {
	Selected   string            `json:"selected"`
	Processors []ProcessorStatus `json:"processors"`
}
