package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

func settleJob(eventID uint, traceID string) *jobqueue.Job {
	return &jobqueue.Job{
		ID:      "job-1",
		Type:    jobqueue.JobTypeSettleWebhookEvent,
		Queue:   jobqueue.QueueBilling,
		TraceID: traceID,
		Payload: jobqueue.SettleWebhookPayload{EventID: eventID, TraceID: traceID}.ToMap(),
	}
}

func TestSettlementJobHandler(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1, models.PaymentKindPurchase, entitlements.PlanProMonthly)
	res, err := h.svc.IngestWebhook(context.Background(),
		succeededBody(t, "evt-1", "prov-1", p, p.Amount, paymentMethodFixture{}), "trace0000000001")
	require.NoError(t, err)

	handler := h.svc.SettlementJobHandler()
	require.NoError(t, handler(context.Background(), settleJob(res.EventID, res.TraceID)))

	assert.Equal(t, models.PaymentStatusSucceeded, h.payment(t, p.ID).Status)
	assert.NotNil(t, h.event(t, res.EventID).ProcessedAt)
}

func TestSettlementJobHandler_BadPayloadIsTerminal(t *testing.T) {
	h := newHarness(t)
	job := settleJob(0, "t")
	job.Payload = map[string]interface{}{"trace_id": "t"}

	err := h.svc.SettlementJobHandler()(context.Background(), job)
	require.Error(t, err)
	assert.True(t, jobqueue.IsTerminal(err))
}

func TestSettlementJobHandler_TerminalFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1, models.PaymentKindPurchase, entitlements.PlanProMonthly)
	res, err := h.svc.IngestWebhook(context.Background(),
		succeededBody(t, "evt-1", "prov-1", p, decimal.RequireFromString("1.00"), paymentMethodFixture{}), "trace0000000001")
	require.NoError(t, err)

	err = h.svc.SettlementJobHandler()(context.Background(), settleJob(res.EventID, res.TraceID))
	require.Error(t, err)
	assert.True(t, jobqueue.IsTerminal(err))
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestHandleDeadLetter(t *testing.T) {
	h := newHarness(t)
	p := h.seedPayment(t, 1, models.PaymentKindPurchase, entitlements.PlanProMonthly)
	res, err := h.svc.IngestWebhook(context.Background(),
		succeededBody(t, "evt-1", "prov-1", p, p.Amount, paymentMethodFixture{}), "trace0000000001")
	require.NoError(t, err)

	h.svc.HandleDeadLetter(context.Background(), settleJob(res.EventID, res.TraceID), errors.New("retries exhausted"))

	ev := h.event(t, res.EventID)
	assert.Nil(t, ev.ProcessedAt)
	assert.Equal(t, "dead_letter: retries exhausted", ev.ProcessingError)

	// Parked events are no longer redelivered.
	h.clock.Advance(24 * time.Hour)
	n, err := h.svc.RedeliverySweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleDeadLetter_IgnoresOtherJobs(t *testing.T) {
	h := newHarness(t)
	job := &jobqueue.Job{ID: "j", Type: jobqueue.JobTypeRecalculateGoal, Payload: map[string]interface{}{"user_id": 1}}
	h.svc.HandleDeadLetter(context.Background(), job, errors.New("boom"))
}
