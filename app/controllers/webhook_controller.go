package controllers

import (
	"bytes"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/middleware"
	"github.com/fitpulse/fitpulse/internal/pkg/usercontext"
)

// WebhookController receives payment provider notifications. It only
// ledgers and enqueues; settlement happens in the worker.
type WebhookController struct {
	billing *billing.Service
}

func NewWebhookController(service *billing.Service) *WebhookController {
	return &WebhookController{billing: service}
}

// HandleProviderNotification answers 200 once the event is durably recorded
// and handed to the queue, so the provider stops redelivering.
func (wc *WebhookController) HandleProviderNotification(c *fiber.Ctx) error {
	traceID := usercontext.GetTraceID(c)
	if traceID == "" {
		traceID = middleware.NewTraceID()
	}

	// fiber reuses the request buffer after the handler returns.
	raw := bytes.Clone(c.Body())
	res, err := wc.billing.IngestWebhook(c.UserContext(), raw, traceID)
	if err != nil {
		if errors.Is(err, billing.ErrMalformedNotification) {
			log.Warnw("[Webhook] malformed notification rejected", "trace_id", traceID, "bytes", len(raw))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_notification", "trace_id": traceID})
		}
		log.Errorw("[Webhook] ingestion failed", "trace_id", traceID, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily_unavailable", "trace_id": traceID})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":   res.Outcome,
		"event_id": res.EventID,
		"trace_id": res.TraceID,
	})
}
