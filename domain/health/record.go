package health

import (
	"math"
	"time"

	"rinha-payment-router/infrastructure/service"
)

// WorstLatency stands in for an unknown or unreachable processor's latency.
const WorstLatency = time.Duration(math.MaxInt64)

// HealthRecord is an immutable observation of one processor. Refreshes replace
// the whole record; fields are never updated in place.
type HealthRecord struct {
	Processor       service.ProcessorType `json:"processor"`
	Healthy         bool                  `json:"healthy"`
	MinResponseTime time.Duration         `json:"minResponseTime"`
	ObservedAt      time.Time             `json:"observedAt"`
	ValidUntil      time.Time             `json:"validUntil"`
	RateLimited     bool                  `json:"rateLimited"`
}

func (r *HealthRecord) Fresh(now time.Time) bool {
	return r != nil && now.Before(r.ValidUntil)
}

// Usable reports a fresh, healthy record within maxResponseTime. A zero
// maxResponseTime disables the latency ceiling.
func (r *HealthRecord) Usable(now time.Time, maxResponseTime time.Duration) bool {
	if !r.Fresh(now) || !r.Healthy {
		return false
	}
	return maxResponseTime <= 0 || r.MinResponseTime <= maxResponseTime
}

// NewerThan orders records by observation time. Any record is newer than nil.
func (r *HealthRecord) NewerThan(other *HealthRecord) bool {
	if other == nil {
		return true
	}
	return r.ObservedAt.After(other.ObservedAt)
}
