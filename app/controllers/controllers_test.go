package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
	"github.com/fitpulse/fitpulse/internal/pkg/middleware"
	"github.com/fitpulse/fitpulse/internal/pkg/usage"
)

const (
	testToken      = "gateway-token"
	testAdminToken = "ops-token"
)

type stubProvider struct {
	err error
}

func (p *stubProvider) CreatePayment(ctx context.Context, req billing.PaymentRequest) (*billing.ProviderPayment, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &billing.ProviderPayment{
		ID:              "prov-" + req.PaymentID,
		Status:          "pending",
		ConfirmationURL: "https://pay.example.test/confirm/" + req.PaymentID,
	}, nil
}

func (p *stubProvider) CreateRecurringPayment(ctx context.Context, req billing.PaymentRequest) (*billing.ProviderPayment, error) {
	return p.CreatePayment(ctx, req)
}

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	mr       *miniredis.Miniredis
	redis    *redis.Client
	queue    *jobqueue.Queue
	service  *billing.Service
	provider *stubProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.Payment{}, &models.BillingWebhookEvent{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := jobqueue.NewQueue(client, jobqueue.Options{})
	provider := &stubProvider{}
	throttle := usage.NewThrottle(client)
	service := billing.NewServiceFromDB(db, billing.Deps{Provider: provider, Queue: queue, Usage: throttle})

	auth := config.AuthConfig{InternalToken: testToken, AdminToken: testAdminToken}
	app := fiber.New()
	app.Use(middleware.Trace())

	webhooks := NewWebhookController(service)
	app.Post("/webhooks/provider", webhooks.HandleProviderNotification)

	bc := NewBillingController(service)
	user := app.Group("/api/v1", middleware.RequireUser(auth))
	user.Get("/billing/plans", bc.HandlePlans)
	user.Get("/billing/subscription", bc.HandleGetSubscription)
	user.Post("/billing/subscription/autorenew", bc.HandleSetAutoRenew)
	user.Delete("/billing/subscription/payment-method", bc.HandleRemovePaymentMethod)
	user.Post("/billing/payments", bc.HandleCreatePayment)
	user.Get("/billing/payments", bc.HandleListPayments)

	uc := NewUsageController(service, throttle)
	user.Get("/usage/photo", uc.HandleGetPhotoUsage)
	user.Post("/usage/photo/consume", uc.HandleConsumePhoto)

	ac := NewAdminBillingController(queue)
	admin := app.Group("/admin/billing", middleware.RequireAdmin(auth))
	admin.Get("/dead-letters", ac.HandleDeadLetters)
	admin.Post("/dead-letters/:id/requeue", ac.HandleRequeueDeadLetter)
	admin.Get("/queues", ac.HandleQueues)

	return &testEnv{app: app, db: db, mr: mr, redis: client, queue: queue, service: service, provider: provider}
}

// do sends a request as user (0 means no user headers) and decodes the JSON answer.
func (e *testEnv) do(t *testing.T, method, path string, user uint, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if user != 0 {
		req.Header.Set(middleware.HeaderInternalToken, testToken)
		req.Header.Set(middleware.HeaderUserID, strconv.FormatUint(uint64(user), 10))
	}
	if strings.HasPrefix(path, "/admin/") {
		req.Header.Set(middleware.HeaderAdminToken, testAdminToken)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) seedProSubscription(t *testing.T, userID uint, instrument string) {
	t.Helper()
	sub := models.NewFreeSubscription(userID)
	sub.Plan = string(entitlements.PlanProMonthly)
	end := time.Now().UTC().Add(20 * 24 * time.Hour)
	sub.EndDate = &end
	if instrument != "" {
		sub.BindInstrument(instrument, "**** 4242", "Visa")
	}
	require.NoError(t, e.db.Create(sub).Error)
}
