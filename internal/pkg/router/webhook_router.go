package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fitpulse/fitpulse/app/controllers"
	"github.com/fitpulse/fitpulse/internal/pkg/middleware"
	"github.com/fitpulse/fitpulse/internal/pkg/trustguard"
)

// WebhookRouter serves provider notifications. It is not rate limited:
// the provider retries until it sees a 200.
type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhookController := controllers.NewWebhookController(h.deps.Billing)
	app.Post("/webhooks/provider",
		middleware.Trace(),
		trustguard.Middleware(h.deps.Guard),
		webhookController.HandleProviderNotification,
	)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
