package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
)

func TestSubscriptionState(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name string
		sub  Subscription
		want SubscriptionState
	}{
		{name: "free plan", sub: Subscription{Plan: "free", Status: SubscriptionStatusActive}, want: StateFree},
		{name: "pro within window", sub: Subscription{Plan: "pro_monthly", Status: SubscriptionStatusActive, EndDate: &future}, want: StateProActive},
		{name: "pro elapsed", sub: Subscription{Plan: "pro_monthly", Status: SubscriptionStatusActive, EndDate: &past}, want: StateProExpired},
		{name: "pro without end date", sub: Subscription{Plan: "pro_yearly", Status: SubscriptionStatusActive}, want: StateProExpired},
		{name: "pro canceled", sub: Subscription{Plan: "pro_yearly", Status: SubscriptionStatusCanceled, EndDate: &future}, want: StateProExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.State(now))
		})
	}
}

func TestActivateOrExtend_FreshWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	sub := NewFreeSubscription(7)

	changed := sub.ActivateOrExtend(entitlements.PlanProMonthly, 30*24*time.Hour, now)

	assert.True(t, changed)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, now.Add(30*24*time.Hour), *sub.EndDate)
	assert.Equal(t, StateProActive, sub.State(now))
}

func TestActivateOrExtend_ExtendsActiveWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := now.Add(5 * 24 * time.Hour)
	sub := &Subscription{UserID: 7, Plan: "pro_monthly", Status: SubscriptionStatusActive, EndDate: &end}

	changed := sub.ActivateOrExtend(entitlements.PlanProMonthly, 30*24*time.Hour, now)

	assert.False(t, changed)
	assert.Equal(t, end.Add(30*24*time.Hour), *sub.EndDate, "extension must be additive to the current end date")
}

func TestActivateOrExtend_RestartsExpiredWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	end := now.Add(-48 * time.Hour)
	sub := &Subscription{UserID: 7, Plan: "pro_monthly", Status: SubscriptionStatusActive, EndDate: &end}

	changed := sub.ActivateOrExtend(entitlements.PlanProMonthly, 30*24*time.Hour, now)

	assert.True(t, changed)
	assert.Equal(t, now.Add(30*24*time.Hour), *sub.EndDate)
}

func TestSetAutoRenew_RequiresInstrument(t *testing.T) {
	sub := NewFreeSubscription(1)

	err := sub.SetAutoRenew(true)
	assert.ErrorIs(t, err, ErrAutoRenewWithoutInstrument)
	assert.False(t, sub.AutoRenew)

	assert.NoError(t, sub.SetAutoRenew(false))

	sub.BindInstrument("pm_123", "**** 4444", "MasterCard")
	assert.True(t, sub.AutoRenew)
	require.NoError(t, sub.SetAutoRenew(false))
	require.NoError(t, sub.SetAutoRenew(true))
	assert.True(t, sub.AutoRenew)
}

func TestBeforeSave_RejectsAutoRenewWithoutInstrument(t *testing.T) {
	sub := &Subscription{UserID: 1, Plan: "pro_monthly", AutoRenew: true}
	assert.ErrorIs(t, sub.BeforeSave(nil), ErrAutoRenewWithoutInstrument)

	sub.BindInstrument("pm_1", "", "")
	assert.NoError(t, sub.BeforeSave(nil))
	assert.Nil(t, sub.CardMask)
}

func TestClearInstrumentAndDemote(t *testing.T) {
	now := time.Now().UTC()
	sub := NewFreeSubscription(1)
	sub.ActivateOrExtend(entitlements.PlanProYearly, time.Hour, now)
	sub.BindInstrument("pm_1", "**** 1111", "Visa")

	sub.ClearInstrument()
	assert.False(t, sub.HasInstrument())
	assert.False(t, sub.AutoRenew)
	assert.Nil(t, sub.CardBrand)

	sub.Demote()
	assert.Equal(t, StateFree, sub.State(now))
	assert.Equal(t, SubscriptionStatusExpired, sub.Status)
}

func TestPaymentTransitions(t *testing.T) {
	now := time.Now()
	p := &Payment{Status: PaymentStatusPending}

	require.NoError(t, p.MarkSucceeded(now))
	assert.NotNil(t, p.PaidAt)
	assert.ErrorIs(t, p.MarkSucceeded(now), ErrPaymentTerminal)
	assert.ErrorIs(t, p.MarkCanceled("card_expired"), ErrPaymentTerminal)

	require.NoError(t, p.MarkRefunded(now))
	assert.Equal(t, PaymentStatusRefunded, p.Status)
	assert.ErrorIs(t, p.MarkRefunded(now), ErrPaymentTerminal)

	pending := &Payment{Status: PaymentStatusPending}
	assert.ErrorIs(t, pending.MarkRefunded(now), ErrPaymentTerminal)
	require.NoError(t, pending.MarkCanceled("insufficient_funds"))
	assert.Equal(t, "insufficient_funds", pending.CancellationReason)
}
