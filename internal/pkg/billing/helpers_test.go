package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection keeps the in-memory database alive and serialises writers.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.Payment{}, &models.BillingWebhookEvent{}))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type enqueued struct {
	queue   string
	jobType jobqueue.JobType
	traceID string
	payload map[string]interface{}
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue string, jobType jobqueue.JobType, traceID string, payload jobqueue.Payload) (*jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, enqueued{queue: queue, jobType: jobType, traceID: traceID, payload: payload.ToMap()})
	return &jobqueue.Job{ID: "job", Type: jobType, Queue: queue, TraceID: traceID}, nil
}

func (q *fakeQueue) setErr(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQueue) byType(jobType jobqueue.JobType) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, j := range q.jobs {
		if j.jobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

type fakeProvider struct {
	mu        sync.Mutex
	requests  []PaymentRequest
	recurring func(req PaymentRequest) (*ProviderPayment, error)
	create    func(req PaymentRequest) (*ProviderPayment, error)
}

func (p *fakeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fn := p.create
	p.mu.Unlock()
	if fn == nil {
		return &ProviderPayment{ID: "pp-" + req.PaymentID, Status: "pending", ConfirmationURL: "https://pay.example/confirm"}, nil
	}
	return fn(req)
}

func (p *fakeProvider) CreateRecurringPayment(ctx context.Context, req PaymentRequest) (*ProviderPayment, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fn := p.recurring
	p.mu.Unlock()
	if fn == nil {
		return &ProviderPayment{ID: "pp-" + req.PaymentID, Status: "pending"}, nil
	}
	return fn(req)
}

func (p *fakeProvider) calls() []PaymentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaymentRequest(nil), p.requests...)
}

type fakeUsage struct {
	mu    sync.Mutex
	users []uint
}

func (u *fakeUsage) Reset(ctx context.Context, userID uint, now time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users = append(u.users, userID)
	return nil
}

type harness struct {
	db       *gorm.DB
	repo     Repository
	svc      *Service
	queue    *fakeQueue
	provider *fakeProvider
	usage    *fakeUsage
	clock    *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		db:       newTestDB(t),
		queue:    &fakeQueue{},
		provider: &fakeProvider{},
		usage:    &fakeUsage{},
		clock:    &testClock{now: testNow},
	}
	h.repo = NewRepository(h.db)
	h.svc = NewService(h.repo, Deps{
		Provider:       h.provider,
		Queue:          h.queue,
		Usage:          h.usage,
		RenewalTimeout: time.Second,
		Now:            h.clock.Now,
	})
	return h
}

// withProvider rebuilds the service around p, keeping the harness fakes.
func (h *harness) withProvider(p Provider) {
	h.svc = NewService(h.repo, Deps{
		Provider:       p,
		Queue:          h.queue,
		Usage:          h.usage,
		RenewalTimeout: time.Second,
		Now:            h.clock.Now,
	})
}

// seedPayment stores a pending payment for plan at its catalog price.
func (h *harness) seedPayment(t *testing.T, userID uint, kind string, plan entitlements.Plan) *models.Payment {
	t.Helper()
	spec := entitlements.MustLookup(plan)
	p := models.NewPayment(userID, kind, string(spec.Code), spec.Price, spec.Currency)
	require.NoError(t, h.repo.CreatePayment(context.Background(), p))
	return p
}

// seedSubscription stores an active paid subscription ending at end.
func (h *harness) seedSubscription(t *testing.T, userID uint, plan entitlements.Plan, end time.Time, instrument string, autoRenew bool) *models.Subscription {
	t.Helper()
	sub := models.NewFreeSubscription(userID)
	sub.Plan = string(plan)
	endUTC := end.UTC()
	sub.EndDate = &endUTC
	if instrument != "" {
		sub.BindInstrument(instrument, "**** 4242", "Visa")
	}
	sub.AutoRenew = autoRenew
	require.NoError(t, h.db.Create(sub).Error)
	return sub
}

func (h *harness) subscription(t *testing.T, userID uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, h.db.Where("user_id = ?", userID).First(&sub).Error)
	return &sub
}

func (h *harness) payment(t *testing.T, id string) *models.Payment {
	t.Helper()
	p, err := h.repo.FindPayment(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) event(t *testing.T, id uint) *models.BillingWebhookEvent {
	t.Helper()
	ev, err := h.repo.GetWebhookEvent(context.Background(), id)
	require.NoError(t, err)
	return ev
}

// deliver ingests body and settles the resulting event like a worker would.
func (h *harness) deliver(t *testing.T, body []byte) (*IngestResult, error) {
	t.Helper()
	res, err := h.svc.IngestWebhook(context.Background(), body, "trace0000000001")
	require.NoError(t, err)
	return res, h.svc.SettleWebhookEvent(context.Background(), res.EventID, res.TraceID)
}

type paymentMethodFixture struct {
	id    string
	saved bool
}

func notificationBody(t *testing.T, event, eventID string, object map[string]any) []byte {
	t.Helper()
	doc := map[string]any{"type": "notification", "event": event, "object": object}
	if eventID != "" {
		doc["event_id"] = eventID
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func succeededBody(t *testing.T, eventID, providerID string, p *models.Payment, amount decimal.Decimal, method paymentMethodFixture) []byte {
	t.Helper()
	obj := map[string]any{
		"id":          providerID,
		"status":      "succeeded",
		"paid":        true,
		"amount":      map[string]any{"value": amount.StringFixed(2), "currency": p.Currency},
		"captured_at": testNow.Format(time.RFC3339),
		"metadata":    map[string]any{"payment_id": p.ID},
	}
	if method.id != "" {
		obj["payment_method"] = map[string]any{
			"type":  "bank_card",
			"id":    method.id,
			"saved": method.saved,
			"card":  map[string]any{"first6": "424242", "last4": "4242", "card_type": "Visa", "expiry_month": "12", "expiry_year": "2030"},
		}
	}
	return notificationBody(t, EventPaymentSucceeded, eventID, obj)
}

func canceledBody(t *testing.T, eventID, providerID string, p *models.Payment, reason, methodID string) []byte {
	t.Helper()
	obj := map[string]any{
		"id":                   providerID,
		"status":               "canceled",
		"metadata":             map[string]any{"payment_id": p.ID},
		"cancellation_details": map[string]any{"party": "payment_network", "reason": reason},
	}
	if methodID != "" {
		obj["payment_method"] = map[string]any{"type": "bank_card", "id": methodID, "saved": true}
	}
	return notificationBody(t, EventPaymentCanceled, eventID, obj)
}

func refundBody(t *testing.T, eventID, refundID, providerPaymentID string) []byte {
	t.Helper()
	return notificationBody(t, EventRefundSucceeded, eventID, map[string]any{
		"id":         refundID,
		"status":     "succeeded",
		"payment_id": providerPaymentID,
		"amount":     map[string]any{"value": "299.00", "currency": "RUB"},
	})
}

// failingRepo injects infrastructure errors into selected calls.
type failingRepo struct {
	Repository
	getEventErr error
}

func (r *failingRepo) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	if r.getEventErr != nil {
		return nil, r.getEventErr
	}
	return r.Repository.GetWebhookEvent(ctx, id)
}

var errDatabaseDown = errors.New("dial tcp 10.0.0.5:3306: connection refused")
