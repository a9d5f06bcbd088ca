package billing

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fitpulse/fitpulse/app/models"
)

var (
	ErrMalformedNotification = errors.New("malformed provider notification")
	ErrEnqueueFailed         = errors.New("failed to enqueue settlement")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrAmountMismatch        = errors.New("notification amount does not match payment")
	ErrUnknownPlan           = errors.New("unknown plan")
	ErrRefundNotAllowed      = errors.New("refund for a payment that never succeeded")

	// Policy rejections surfaced to API callers.
	ErrNoPaymentMethod = errors.New("no saved payment method")
	ErrFreePlan        = errors.New("auto-renew is not available on the free plan")
	ErrPlanNotForSale  = errors.New("plan cannot be purchased")
	ErrProviderMissing = errors.New("payment provider is not configured")

	// ErrProviderOutcomeUnknown marks a purchase whose charge may exist at the
	// provider; the payment stays pending until a webhook settles it.
	ErrProviderOutcomeUnknown = errors.New("provider outcome unknown")
)

// Retryability tells the task router what to do with a failed settlement.
type Retryability int

const (
	Transient Retryability = iota
	Terminal
)

func (r Retryability) String() string {
	if r == Terminal {
		return "terminal"
	}
	return "transient"
}

// SettlementError is the only error type SettleWebhookEvent returns.
type SettlementError struct {
	EventID      uint
	TraceID      string
	Retryability Retryability
	Err          error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle event %d trace=%s (%s): %v", e.EventID, e.TraceID, e.Retryability, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Terminal is read by the job queue to skip retries.
func (e *SettlementError) Terminal() bool { return e.Retryability == Terminal }

// classify wraps err as a SettlementError. Data that will never change on a
// retry is terminal; everything else (database, network, deadlines) is transient.
func classify(err error, eventID uint, traceID string) *SettlementError {
	var se *SettlementError
	if errors.As(err, &se) {
		return se
	}
	r := Transient
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r = Transient
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, ErrMalformedNotification),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrUnknownPlan),
		errors.Is(err, ErrRefundNotAllowed),
		errors.Is(err, models.ErrAutoRenewWithoutInstrument):
		r = Terminal
	}
	return &SettlementError{EventID: eventID, TraceID: traceID, Retryability: r, Err: err}
}
