package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
)

const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusExpired  = "expired"
	SubscriptionStatusCanceled = "canceled"
)

// SubscriptionState is derived from the stored columns and never persisted.
type SubscriptionState string

const (
	StateFree       SubscriptionState = "free"
	StateProActive  SubscriptionState = "pro_active"
	StateProExpired SubscriptionState = "pro_expired"
)

var ErrAutoRenewWithoutInstrument = errors.New("auto-renew requires a saved payment method")

// Subscription is the per-user billing projection. One row per user, created
// on first contact with the billing domain and demoted instead of deleted.
type Subscription struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Plan              string     `gorm:"type:varchar(32);not null;default:'free';index" json:"plan"`
	Status            string     `gorm:"type:varchar(16);not null;default:'active';index:idx_subscriptions_renewal,priority:1" json:"status"`
	AutoRenew         bool       `gorm:"not null;default:false;index:idx_subscriptions_renewal,priority:2" json:"auto_renew"`
	EndDate           *time.Time `gorm:"default:null;index:idx_subscriptions_renewal,priority:3" json:"end_date,omitempty"`
	SavedInstrumentID *string    `gorm:"type:varchar(191);default:null" json:"-"`
	CardMask          *string    `gorm:"type:varchar(32);default:null" json:"card_mask,omitempty"`
	CardBrand         *string    `gorm:"type:varchar(32);default:null" json:"card_brand,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewFreeSubscription returns the default row for a user without billing history.
func NewFreeSubscription(userID uint) *Subscription {
	return &Subscription{
		UserID: userID,
		Plan:   string(entitlements.PlanFree),
		Status: SubscriptionStatusActive,
	}
}

// BeforeSave keeps the auto-renew invariant at the persistence boundary.
func (s *Subscription) BeforeSave(tx *gorm.DB) error {
	if s.AutoRenew && !s.HasInstrument() {
		return ErrAutoRenewWithoutInstrument
	}
	return nil
}

// State computes FREE / PRO_ACTIVE / PRO_EXPIRED at the given instant.
func (s *Subscription) State(now time.Time) SubscriptionState {
	if !entitlements.IsPaid(entitlements.Plan(s.Plan)) {
		return StateFree
	}
	if s.Status == SubscriptionStatusActive && s.EndDate != nil && s.EndDate.After(now) {
		return StateProActive
	}
	return StateProExpired
}

// IsActive reports whether paid access is currently granted.
func (s *Subscription) IsActive(now time.Time) bool {
	return s.State(now) == StateProActive
}

// EffectivePlan is the plan whose entitlements apply right now. An elapsed PRO
// window falls back to free even before the cleanup sweep demotes the row.
func (s *Subscription) EffectivePlan(now time.Time) entitlements.Plan {
	if s.IsActive(now) {
		return entitlements.Normalize(s.Plan)
	}
	return entitlements.PlanFree
}

// ActivateOrExtend grants plan for duration. A still-active window is extended
// from its current end date; otherwise a fresh window starts at now. It returns
// true when the effective plan changed.
func (s *Subscription) ActivateOrExtend(plan entitlements.Plan, duration time.Duration, now time.Time) bool {
	before := s.EffectivePlan(now)

	start := now.UTC()
	if s.IsActive(now) {
		start = s.EndDate.UTC()
	}
	end := start.Add(duration)

	s.Plan = string(plan)
	s.Status = SubscriptionStatusActive
	s.EndDate = &end

	return before != s.EffectivePlan(now)
}

// HasInstrument reports whether a saved payment method is bound.
func (s *Subscription) HasInstrument() bool {
	return s.SavedInstrumentID != nil && *s.SavedInstrumentID != ""
}

// BindInstrument stores a provider payment-method token with its display data
// and turns auto-renew on.
func (s *Subscription) BindInstrument(instrumentID, mask, brand string) {
	if instrumentID == "" {
		return
	}
	s.SavedInstrumentID = &instrumentID
	s.CardMask = optionalString(mask)
	s.CardBrand = optionalString(brand)
	s.AutoRenew = true
}

// ClearInstrument forgets the saved payment method; auto-renew goes with it.
func (s *Subscription) ClearInstrument() {
	s.SavedInstrumentID = nil
	s.CardMask = nil
	s.CardBrand = nil
	s.AutoRenew = false
}

// SetAutoRenew flips the flag. Enabling needs a bound instrument.
func (s *Subscription) SetAutoRenew(enabled bool) error {
	if enabled && !s.HasInstrument() {
		return ErrAutoRenewWithoutInstrument
	}
	s.AutoRenew = enabled
	return nil
}

// Demote moves an expired PRO subscription back to the free plan.
func (s *Subscription) Demote() {
	s.Plan = string(entitlements.PlanFree)
	s.Status = SubscriptionStatusExpired
	s.AutoRenew = false
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
