package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/usage"
	"github.com/fitpulse/fitpulse/internal/pkg/usercontext"
)

// PlanResolver returns the plan currently gating a user's features.
type PlanResolver interface {
	EffectivePlan(ctx context.Context, userID uint) (entitlements.Plan, error)
}

// UsageController exposes the daily photo analysis allowance.
type UsageController struct {
	plans    PlanResolver
	throttle *usage.Throttle
	now      func() time.Time
}

func NewUsageController(plans PlanResolver, throttle *usage.Throttle) *UsageController {
	return &UsageController{
		plans:    plans,
		throttle: throttle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (uc *UsageController) HandleGetPhotoUsage(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	plan, err := uc.plans.EffectivePlan(c.UserContext(), userID)
	if err != nil {
		log.Errorw("[Throttle] plan lookup failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	u, err := uc.throttle.Peek(c.UserContext(), userID, entitlements.DailyPhotoLimit(plan), uc.now())
	if err != nil {
		log.Errorw("[Throttle] usage read failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily_unavailable"})
	}
	return c.JSON(fiber.Map{"plan": plan, "usage": u})
}

// HandleConsumePhoto spends one analysis from today's allowance. 429 once
// the limit is reached.
func (uc *UsageController) HandleConsumePhoto(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	plan, err := uc.plans.EffectivePlan(c.UserContext(), userID)
	if err != nil {
		log.Errorw("[Throttle] plan lookup failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	u, allowed, err := uc.throttle.Consume(c.UserContext(), userID, entitlements.DailyPhotoLimit(plan), uc.now())
	if err != nil {
		log.Errorw("[Throttle] consume failed", "user_id", userID, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "temporarily_unavailable"})
	}
	if !allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "daily_limit_reached", "plan": plan, "usage": u})
	}
	return c.JSON(fiber.Map{"plan": plan, "usage": u})
}
