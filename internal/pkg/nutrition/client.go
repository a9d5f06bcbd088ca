package nutrition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

// Client notifies the nutrition service that a user's plan changed so it can
// recompute goals that depend on entitlements.
type Client struct {
	HookURL    string
	HTTPClient *http.Client
}

func NewClient(cfg config.NutritionConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		HookURL:    strings.TrimSpace(cfg.HookURL),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a hook URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.HookURL != ""
}

type recalculateRequest struct {
	UserID  uint   `json:"user_id"`
	Plan    string `json:"plan"`
	TraceID string `json:"trace_id,omitempty"`
}

// TriggerGoalRecalculation POSTs the plan change to the hook. It is a no-op
// when no hook is configured.
func (c *Client) TriggerGoalRecalculation(ctx context.Context, userID uint, plan, traceID string) error {
	if !c.Enabled() {
		return nil
	}
	buf, err := json.Marshal(recalculateRequest{UserID: userID, Plan: plan, TraceID: traceID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.HookURL, bytes.NewReader(buf))
	if err != nil {
		return jobqueue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("nutrition hook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("nutrition hook: status %d", resp.StatusCode)
	default:
		// The hook rejected the request itself; retrying sends the same body.
		return jobqueue.Permanent(fmt.Errorf("nutrition hook: status %d", resp.StatusCode))
	}
}

// JobHandler adapts the client to the nutrition.recalculate_goal job type.
func (c *Client) JobHandler() jobqueue.HandlerFunc {
	return func(ctx context.Context, job *jobqueue.Job) error {
		payload, err := jobqueue.RecalculateGoalPayloadFromMap(job.Payload)
		if err != nil {
			return jobqueue.Permanent(err)
		}
		if err := c.TriggerGoalRecalculation(ctx, payload.UserID, payload.Plan, job.TraceID); err != nil {
			return err
		}
		log.Infow("[Nutrition] goal recalculation triggered", "user_id", payload.UserID, "plan", payload.Plan,
			"trace_id", job.TraceID, "hook_enabled", c.Enabled())
		return nil
	}
}
