package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/usercontext"
)

// BillingController serves the subscription APIs of the signed-in user.
type BillingController struct {
	billing *billing.Service
}

func NewBillingController(service *billing.Service) *BillingController {
	return &BillingController{billing: service}
}

type planResponse struct {
	Code            entitlements.Plan `json:"code"`
	Name            string            `json:"name"`
	Price           string            `json:"price"`
	Currency        string            `json:"currency"`
	DurationDays    int               `json:"duration_days"`
	DailyPhotoLimit *int              `json:"daily_photo_limit"`
	Purchasable     bool              `json:"purchasable"`
}

type autoRenewRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type purchaseRequest struct {
	Plan              string `json:"plan" validate:"required"`
	SavePaymentMethod bool   `json:"save_payment_method"`
}

// HandlePlans lists the plan catalog.
func (bc *BillingController) HandlePlans(c *fiber.Ctx) error {
	catalog := entitlements.Catalog()
	plans := make([]planResponse, 0, len(catalog))
	for _, p := range catalog {
		plans = append(plans, planResponse{
			Code:            p.Code,
			Name:            p.Name,
			Price:           p.Price.StringFixed(2),
			Currency:        p.Currency,
			DurationDays:    int(p.Duration.Hours() / 24),
			DailyPhotoLimit: p.DailyPhotoLimit,
			Purchasable:     p.Purchasable(),
		})
	}
	return c.JSON(fiber.Map{"plans": plans})
}

func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	view, err := bc.billing.GetSubscription(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return bc.handleError(c, "get subscription", err)
	}
	return c.JSON(view)
}

// HandleSetAutoRenew toggles auto-renew. Enabling can be refused with 409.
func (bc *BillingController) HandleSetAutoRenew(c *fiber.Ctx) error {
	var req autoRenewRequest
	if err := parseAndValidate(c, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	view, err := bc.billing.SetAutoRenew(c.UserContext(), usercontext.GetUserID(c), *req.Enabled)
	if err != nil {
		return bc.handleError(c, "set auto-renew", err)
	}
	return c.JSON(view)
}

func (bc *BillingController) HandleRemovePaymentMethod(c *fiber.Ctx) error {
	view, err := bc.billing.RemovePaymentMethod(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return bc.handleError(c, "remove payment method", err)
	}
	return c.JSON(view)
}

// HandleCreatePayment starts a manual purchase and returns where to send the
// user to confirm it.
func (bc *BillingController) HandleCreatePayment(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := parseAndValidate(c, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	checkout, err := bc.billing.CreatePurchase(c.UserContext(), usercontext.GetUserID(c), req.Plan, req.SavePaymentMethod)
	if err != nil {
		return bc.handleError(c, "create payment", err)
	}
	return c.Status(fiber.StatusCreated).JSON(checkout)
}

func (bc *BillingController) HandleListPayments(c *fiber.Ctx) error {
	payments, err := bc.billing.ListPayments(c.UserContext(), usercontext.GetUserID(c), c.QueryInt("limit", 20))
	if err != nil {
		return bc.handleError(c, "list payments", err)
	}
	return c.JSON(fiber.Map{"payments": payments})
}

// handleError maps service errors to status codes and stable error codes.
func (bc *BillingController) handleError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, billing.ErrNoPaymentMethod):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_payment_method"})
	case errors.Is(err, billing.ErrFreePlan):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "free_plan"})
	case errors.Is(err, billing.ErrUnknownPlan):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_plan"})
	case errors.Is(err, billing.ErrPlanNotForSale):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "plan_not_for_sale"})
	case errors.Is(err, billing.ErrProviderMissing):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "payments_unavailable"})
	case errors.Is(err, billing.ErrProviderOutcomeUnknown):
		log.Warnw("[Billing] provider outcome unknown", "action", action, "user_id", usercontext.GetUserID(c), "error", err)
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "provider_timeout"})
	}
	var perr *billing.ProviderError
	if errors.As(err, &perr) {
		log.Warnw("[Billing] provider rejected request", "action", action, "user_id", usercontext.GetUserID(c), "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_rejected"})
	}
	log.Errorw("[Billing] request failed", "action", action, "user_id", usercontext.GetUserID(c), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
}
