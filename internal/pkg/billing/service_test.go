package billing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
)

func TestGetSubscription_CreatesFreeRow(t *testing.T) {
	h := newHarness(t)

	view, err := h.svc.GetSubscription(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, view.Plan)
	assert.Equal(t, "Free", view.PlanName)
	assert.Equal(t, models.StateFree, view.State)
	assert.False(t, view.IsActive)
	assert.False(t, view.AutoRenewAvailable)
	assert.Nil(t, view.PaymentMethod)
	require.NotNil(t, view.DailyPhotoLimit)
	assert.Equal(t, entitlements.FreeDailyPhotoLimit, *view.DailyPhotoLimit)

	var rows int64
	require.NoError(t, h.db.Model(&models.Subscription{}).Where("user_id = ?", 50).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestGetSubscription_ElapsedWindowReadsAsFree(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, 51, entitlements.PlanProMonthly, testNow.Add(-time.Second), "pm-51", true)

	view, err := h.svc.GetSubscription(context.Background(), 51)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, view.Plan)
	assert.Equal(t, models.StateProExpired, view.State)
	assert.NotNil(t, view.DailyPhotoLimit, "free plan is limited")
	require.NotNil(t, view.PaymentMethod)
	assert.Equal(t, "**** 4242", view.PaymentMethod.CardMask)

	plan, err := h.svc.EffectivePlan(context.Background(), 51)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, plan)
}

func TestSetAutoRenew(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SetAutoRenew(ctx, 60, true)
	assert.ErrorIs(t, err, ErrNoPaymentMethod)
	assert.True(t, IsPolicyRejection(err))

	h.seedSubscription(t, 61, entitlements.PlanProMonthly, testNow.Add(24*time.Hour), "pm-61", false)
	view, err := h.svc.SetAutoRenew(ctx, 61, true)
	require.NoError(t, err)
	assert.True(t, view.AutoRenewEnabled)
	assert.True(t, view.AutoRenewAvailable)
	assert.True(t, h.subscription(t, 61).AutoRenew)

	view, err = h.svc.SetAutoRenew(ctx, 61, false)
	require.NoError(t, err)
	assert.False(t, view.AutoRenewEnabled)
	sub := h.subscription(t, 61)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, string(entitlements.PlanProMonthly), sub.Plan, "toggling never changes the plan")
	assert.True(t, sub.EndDate.Equal(testNow.Add(24*time.Hour)))

	// Disabling is always allowed, even without an instrument.
	_, err = h.svc.SetAutoRenew(ctx, 60, false)
	assert.NoError(t, err)
}

func TestSetAutoRenew_FreePlanWithInstrument(t *testing.T) {
	h := newHarness(t)
	sub := models.NewFreeSubscription(62)
	sub.BindInstrument("pm-62", "**** 1111", "Mir")
	sub.AutoRenew = false
	require.NoError(t, h.db.Create(sub).Error)

	_, err := h.svc.SetAutoRenew(context.Background(), 62, true)
	assert.ErrorIs(t, err, ErrFreePlan)
}

func TestSetAutoRenew_ElapsedWindowIsFree(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, 64, entitlements.PlanProMonthly, testNow.Add(-time.Minute), "pm-64", false)

	view, err := h.svc.GetSubscription(context.Background(), 64)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, view.Plan)
	assert.False(t, view.AutoRenewAvailable)

	_, err = h.svc.SetAutoRenew(context.Background(), 64, true)
	assert.ErrorIs(t, err, ErrFreePlan)
	sub := h.subscription(t, 64)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, string(entitlements.PlanProMonthly), sub.Plan, "demotion is left to the expiry sweep")
}

func TestRemovePaymentMethod(t *testing.T) {
	h := newHarness(t)
	h.seedSubscription(t, 63, entitlements.PlanProMonthly, testNow.Add(time.Hour), "pm-63", true)

	view, err := h.svc.RemovePaymentMethod(context.Background(), 63)
	require.NoError(t, err)
	assert.Nil(t, view.PaymentMethod)
	assert.False(t, view.AutoRenewEnabled)
	assert.True(t, view.IsActive)

	sub := h.subscription(t, 63)
	assert.False(t, sub.HasInstrument())
	assert.False(t, sub.AutoRenew)
}

func TestCreatePurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	checkout, err := h.svc.CreatePurchase(ctx, 70, " PRO_YEARLY ", true)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/confirm", checkout.ConfirmationURL)
	assert.Equal(t, models.PaymentStatusPending, checkout.Status)

	calls := h.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, checkout.PaymentID, calls[0].IdempotenceKey)
	assert.True(t, calls[0].SavePaymentMethod)
	assert.Equal(t, "2490", calls[0].Amount.String())

	stored := h.payment(t, checkout.PaymentID)
	assert.Equal(t, models.PaymentKindPurchase, stored.Kind)
	assert.Equal(t, string(entitlements.PlanProYearly), stored.Plan)
	assert.True(t, stored.SavePaymentMethod)
	require.NotNil(t, stored.ProviderPaymentID)
	assert.Equal(t, "pp-"+checkout.PaymentID, *stored.ProviderPaymentID)

	payments, err := h.svc.ListPayments(ctx, 70, 0)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestCreatePurchase_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreatePurchase(ctx, 71, "platinum", false)
	assert.ErrorIs(t, err, ErrUnknownPlan)
	_, err = h.svc.CreatePurchase(ctx, 71, "free", false)
	assert.ErrorIs(t, err, ErrPlanNotForSale)
	assert.Empty(t, h.provider.calls())

	_, err = NewService(h.repo, Deps{Now: h.clock.Now}).CreatePurchase(ctx, 71, "pro_monthly", false)
	assert.ErrorIs(t, err, ErrProviderMissing)
}

func TestCreatePurchase_ProviderErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.provider.create = func(req PaymentRequest) (*ProviderPayment, error) {
		return nil, &ProviderError{StatusCode: http.StatusUnauthorized, Code: "invalid_credentials"}
	}
	_, err := h.svc.CreatePurchase(ctx, 72, "pro_monthly", false)
	require.Error(t, err)
	failed := h.payment(t, h.provider.calls()[0].PaymentID)
	assert.Equal(t, models.PaymentStatusFailed, failed.Status)

	h.provider.create = func(req PaymentRequest) (*ProviderPayment, error) {
		return nil, context.DeadlineExceeded
	}
	_, err = h.svc.CreatePurchase(ctx, 72, "pro_monthly", false)
	assert.ErrorIs(t, err, ErrProviderOutcomeUnknown)
	unknown := h.payment(t, h.provider.calls()[1].PaymentID)
	assert.Equal(t, models.PaymentStatusPending, unknown.Status, "the charge may exist; a webhook settles it")

	h.provider.create = func(req PaymentRequest) (*ProviderPayment, error) {
		return nil, context.Canceled
	}
	_, err = h.svc.CreatePurchase(ctx, 72, "pro_monthly", false)
	assert.ErrorIs(t, err, ErrProviderOutcomeUnknown)
	assert.Equal(t, models.PaymentStatusPending, h.payment(t, h.provider.calls()[2].PaymentID).Status)
}

func TestCreatePurchase_DroppedConnectionStaysPending(t *testing.T) {
	h := newHarness(t)
	fp, client := newFlakyProvider(t, dropConnection)
	h.withProvider(client)

	_, err := h.svc.CreatePurchase(context.Background(), 73, "pro_monthly", false)
	assert.ErrorIs(t, err, ErrProviderOutcomeUnknown)
	assert.False(t, IsRejection(err))

	keys := fp.idempotenceKeys()
	require.Len(t, keys, 1)
	p := h.payment(t, keys[0])
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Empty(t, p.CancellationReason)
	assert.Nil(t, p.ProviderPaymentID)
}

func TestCreatePurchase_UnreadableAnswerStaysPending(t *testing.T) {
	h := newHarness(t)
	fp, client := newFlakyProvider(t, func(w http.ResponseWriter) {
		_, _ = w.Write([]byte("not json"))
	})
	h.withProvider(client)

	_, err := h.svc.CreatePurchase(context.Background(), 74, "pro_monthly", false)
	assert.ErrorIs(t, err, ErrProviderOutcomeUnknown)
	assert.Equal(t, models.PaymentStatusPending, h.payment(t, fp.idempotenceKeys()[0]).Status)
}
