package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rinha-payment-router/domain/money"
	"rinha-payment-router/infrastructure/service"
)

var ErrValidation = errors.New("invalid payment request")

// PaymentRequest is an admitted payment together with the routing state that
// travels with it through the queue between passes.
type PaymentRequest struct {
	CorrelationID string      `json:"correlationId"`
	Amount        money.Cents `json:"amount"`
	RequestedAt   time.Time   `json:"requestedAt"`

	Pass int `json:"pass,omitempty"`
	// Suspects are processors that may hold the payment after a submission
	// whose outcome could not be determined.
	Suspects []service.ProcessorType `json:"suspects,omitempty"`
	// SettledBy is set once a processor confirmed the payment but the ledger
	// write is still pending.
	SettledBy service.ProcessorType `json:"settledBy,omitempty"`
	NotBefore time.Time             `json:"notBefore"`
}

type PostInput struct {
	CorrelationId string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

// ToRequest validates the input and stamps it with the acceptance time.
func (in PostInput) ToRequest(requestedAt time.Time) (PaymentRequest, error) {
	if _, err := uuid.Parse(in.CorrelationId); err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: correlationId must be a UUID", ErrValidation)
	}

	amount, err := money.FromDecimal(in.Amount)
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if amount <= 0 {
		return PaymentRequest{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}

	return PaymentRequest{
		CorrelationID: in.CorrelationId,
		Amount:        amount,
		RequestedAt:   requestedAt,
	}, nil
}
