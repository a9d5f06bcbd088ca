package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/fitpulse/fitpulse/app/controllers"
	"github.com/fitpulse/fitpulse/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.Trace(), middleware.RequireUser(h.deps.Config.Auth))

	billingController := controllers.NewBillingController(h.deps.Billing)
	v1.Get("/billing/plans", billingController.HandlePlans)
	v1.Get("/billing/subscription", billingController.HandleGetSubscription)
	v1.Post("/billing/subscription/autorenew", billingController.HandleSetAutoRenew)
	v1.Delete("/billing/subscription/payment-method", billingController.HandleRemovePaymentMethod)
	v1.Post("/billing/payments", billingController.HandleCreatePayment)
	v1.Get("/billing/payments", billingController.HandleListPayments)

	usageController := controllers.NewUsageController(h.deps.Billing, h.deps.Throttle)
	v1.Get("/usage/photo", usageController.HandleGetPhotoUsage)
	v1.Post("/usage/photo/consume", usageController.HandleConsumePhoto)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
