package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicatePayment means the processor already holds the payment. Callers
	// treat it as a successful settlement.
	ErrDuplicatePayment = errors.New("payment already processed")
	ErrRejected         = errors.New("payment rejected")
	ErrUnknownProcessor = errors.New("unknown processor")
)

// TransientError is a retryable failure: timeout, connection error, 5xx or 429.
// Ambiguous is set when the request may have reached the processor.
type TransientError struct {
	Processor  ProcessorType
	StatusCode int
	RetryAfter time.Duration
	Ambiguous  bool
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("processor %s: transient status %d", e.Processor, e.StatusCode)
	}
	return fmt.Sprintf("processor %s: %v", e.Processor, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) RateLimited() bool {
	return e.StatusCode == 429
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// RateLimited reports whether err is a 429 and the wait the processor asked for.
func RateLimited(err error) (time.Duration, bool) {
	var transient *TransientError
	if errors.As(err, &transient) && transient.RateLimited() {
		return transient.RetryAfter, true
	}
	return 0, false
}
