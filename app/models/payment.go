package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusCanceled  = "canceled"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Payment kinds. Renewal marks a system-initiated charge created by the
// renewal sweep.
const (
	PaymentKindPurchase = "purchase"
	PaymentKindRenewal  = "renewal"
)

var ErrPaymentTerminal = errors.New("payment already reached a terminal status")

// Payment is one charge attempt against the provider.
type Payment struct {
	ID                 string          `gorm:"type:char(36);primaryKey" json:"id"`
	UserID             uint            `gorm:"not null;index:idx_payments_user_kind_status,priority:1" json:"user_id"`
	Kind               string          `gorm:"type:varchar(16);not null;default:'purchase';index:idx_payments_user_kind_status,priority:2" json:"kind"`
	Status             string          `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_user_kind_status,priority:3" json:"status"`
	Plan               string          `gorm:"type:varchar(32);not null" json:"plan"`
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency           string          `gorm:"type:char(3);not null" json:"currency"`
	SavePaymentMethod  bool            `gorm:"not null;default:false" json:"save_payment_method"`
	ProviderPaymentID  *string         `gorm:"type:varchar(64);default:null;uniqueIndex:ux_payments_provider_payment" json:"provider_payment_id,omitempty"`
	CancellationReason string          `gorm:"type:varchar(64);default:''" json:"cancellation_reason,omitempty"`
	PaidAt             *time.Time      `gorm:"default:null" json:"paid_at,omitempty"`
	RefundedAt         *time.Time      `gorm:"default:null" json:"refunded_at,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewPayment builds a pending payment with a fresh provider-independent id.
func NewPayment(userID uint, kind, plan string, amount decimal.Decimal, currency string) *Payment {
	return &Payment{
		ID:       uuid.NewString(),
		UserID:   userID,
		Kind:     kind,
		Status:   PaymentStatusPending,
		Plan:     plan,
		Amount:   amount,
		Currency: currency,
	}
}

// IsTerminal reports whether the payment left PENDING.
func (p *Payment) IsTerminal() bool {
	return p.Status != PaymentStatusPending
}

func (p *Payment) MarkSucceeded(at time.Time) error {
	if p.IsTerminal() {
		return ErrPaymentTerminal
	}
	paid := at.UTC()
	p.Status = PaymentStatusSucceeded
	p.PaidAt = &paid
	return nil
}

func (p *Payment) MarkCanceled(reason string) error {
	if p.IsTerminal() {
		return ErrPaymentTerminal
	}
	p.Status = PaymentStatusCanceled
	p.CancellationReason = reason
	return nil
}

// MarkFailed records a charge that never reached the provider.
func (p *Payment) MarkFailed(reason string) error {
	if p.IsTerminal() {
		return ErrPaymentTerminal
	}
	p.Status = PaymentStatusFailed
	p.CancellationReason = reason
	return nil
}

// MarkRefunded is the only transition allowed out of a terminal status, and
// only from SUCCEEDED.
func (p *Payment) MarkRefunded(at time.Time) error {
	if p.Status != PaymentStatusSucceeded {
		return ErrPaymentTerminal
	}
	refunded := at.UTC()
	p.Status = PaymentStatusRefunded
	p.RefundedAt = &refunded
	return nil
}
