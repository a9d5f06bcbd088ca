package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
	"github.com/fitpulse/fitpulse/internal/pkg/trustguard"
	"github.com/fitpulse/fitpulse/internal/pkg/usage"
)

// Router registers one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the constructed components the HTTP layer serves.
type Dependencies struct {
	Config   *config.Config
	Billing  *billing.Service
	Throttle *usage.Throttle
	Queue    *jobqueue.Queue
	Guard    *trustguard.Guard
	// LimiterStorage backs the API rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
