package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

// SettlementJobHandler runs SettleWebhookEvent for billing.settle_webhook_event jobs.
func (s *Service) SettlementJobHandler() jobqueue.HandlerFunc {
	return func(ctx context.Context, job *jobqueue.Job) error {
		payload, err := jobqueue.SettleWebhookPayloadFromMap(job.Payload)
		if err != nil {
			return jobqueue.Permanent(fmt.Errorf("settle payload: %w", err))
		}
		traceID := job.TraceID
		if traceID == "" {
			traceID = payload.TraceID
		}
		return s.SettleWebhookEvent(ctx, payload.EventID, traceID)
	}
}

// HandleDeadLetter parks the ledger row behind a dead settlement job so the
// redelivery sweep leaves it to an operator.
func (s *Service) HandleDeadLetter(ctx context.Context, job *jobqueue.Job, cause error) {
	if job.Type != jobqueue.JobTypeSettleWebhookEvent {
		return
	}
	payload, err := jobqueue.SettleWebhookPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorw("[Settlement] dead letter without event id", "job_id", job.ID, "trace_id", job.TraceID, "error", err)
		return
	}
	msg := "dead_letter"
	if cause != nil {
		msg = "dead_letter: " + cause.Error()
	}
	if err := s.repo.MarkWebhookFailed(ctx, payload.EventID, msg); err != nil {
		log.Errorw("[Settlement] failed to park dead event", "event_id", payload.EventID, "trace_id", job.TraceID, "error", err)
		return
	}
	log.Errorw("[Settlement] event parked for operator", "event_id", payload.EventID, "job_id", job.ID,
		"trace_id", job.TraceID, "operator_alert", true)
}
