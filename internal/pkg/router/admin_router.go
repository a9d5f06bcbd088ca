package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fitpulse/fitpulse/app/controllers"
	"github.com/fitpulse/fitpulse/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Dependencies
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/admin/billing", middleware.RequireAdmin(h.deps.Config.Auth))

	adminController := controllers.NewAdminBillingController(h.deps.Queue)
	admin.Get("/dead-letters", adminController.HandleDeadLetters)
	admin.Post("/dead-letters/:id/requeue", adminController.HandleRequeueDeadLetter)
	admin.Get("/queues", adminController.HandleQueues)
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}
