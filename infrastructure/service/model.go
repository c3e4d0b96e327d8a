package service

import (
	"time"

	"rinha-payment-router/domain/money"
)

// ProcessorType names one of the two settlement services. Default is the
// cheaper primary, Fallback the costlier secondary.
type ProcessorType string

const (
	ProcessorTypeNone     ProcessorType = ""
	ProcessorTypeDefault  ProcessorType = "default"
	ProcessorTypeFallback ProcessorType = "fallback"
)

// ProcessorTypes lists processors in preference order.
var ProcessorTypes = []ProcessorType{ProcessorTypeDefault, ProcessorTypeFallback}

func (p ProcessorType) Valid() bool {
	return p == ProcessorTypeDefault || p == ProcessorTypeFallback
}

// Other returns the alternative processor.
func (p ProcessorType) Other() ProcessorType {
	if p == ProcessorTypeFallback {
		return ProcessorTypeDefault
	}
	return ProcessorTypeFallback
}

// Processor binds a processor to its base endpoint. FeeRate is informational.
type Processor struct {
	Type    ProcessorType
	URL     string
	FeeRate float64
}

type PostPaymentProcessor struct {
	CorrelationId string      `json:"correlationId"`
	Amount        money.Cents `json:"amount"`
	RequestedAt   time.Time   `json:"requestedAt"`
}

type Health struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}
