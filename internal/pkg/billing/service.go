package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

// Enqueuer is the part of the job queue the billing service produces into.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, jobType jobqueue.JobType, traceID string, payload jobqueue.Payload) (*jobqueue.Job, error)
}

// UsageResetter clears the per-day usage counter after a plan change.
type UsageResetter interface {
	Reset(ctx context.Context, userID uint, now time.Time) error
}

// Deps are the collaborators a Service may use. Queue is required for
// ingestion; Provider for purchases and renewals.
type Deps struct {
	Provider Provider
	Queue    Enqueuer
	Usage    UsageResetter
	// RenewalTimeout bounds one outbound renewal charge.
	RenewalTimeout time.Duration
	Now            func() time.Time
}

// Service owns the event ledger, settlement and the subscription lifecycle.
type Service struct {
	repo     Repository
	provider Provider
	queue    Enqueuer
	usage    UsageResetter
	timeout  time.Duration
	now      func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, deps Deps) *Service {
	s := &Service{
		repo:     repo,
		provider: deps.Provider,
		queue:    deps.Queue,
		usage:    deps.Usage,
		timeout:  deps.RenewalTimeout,
		now:      deps.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, deps Deps) *Service {
	return NewService(NewRepository(db), deps)
}

// IngestOutcome is what happened to one webhook delivery.
type IngestOutcome string

const (
	IngestAccepted  IngestOutcome = "accepted"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestIgnored   IngestOutcome = "ignored"
)

type IngestResult struct {
	Outcome        IngestOutcome
	EventID        uint
	EventType      string
	IdempotencyKey string
	TraceID        string
}

// IngestWebhook ledgers one provider delivery and hands it to the billing
// queue. It never performs a business transition itself.
func (s *Service) IngestWebhook(ctx context.Context, raw []byte, traceID string) (*IngestResult, error) {
	n, err := ParseNotification(raw)
	if err != nil {
		return nil, err
	}
	redacted, err := RedactPayload(raw)
	if err != nil {
		return nil, err
	}

	key := IdempotencyKey(n)
	event := &models.BillingWebhookEvent{
		IdempotencyKey: key,
		EventType:      n.EventType(),
		ObjectID:       n.ObjectID(),
		ObjectStatus:   n.ObjectStatus(),
		TraceID:        traceID,
		RawPayload:     redacted,
		ReceivedAt:     s.now(),
	}
	if id := n.ProviderEventID(); id != "" {
		event.ProviderEventID = &id
	}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("ledger insert: %w", err)
	}
	res := &IngestResult{
		EventID:        stored.ID,
		EventType:      stored.EventType,
		IdempotencyKey: key,
		TraceID:        stored.TraceID,
	}

	if !created {
		res.Outcome = IngestDuplicate
		log.Infow("[Webhook] duplicate delivery", "event_id", stored.ID, "event_type", stored.EventType,
			"trace_id", traceID, "original_trace_id", stored.TraceID)
		// First delivery was ledgered but the enqueue never happened.
		if stored.EnqueuedAt == nil && stored.ProcessedAt == nil && Dispatchable(n) {
			if err := s.dispatch(ctx, stored); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	if !Dispatchable(n) {
		res.Outcome = IngestIgnored
		log.Infow("[Webhook] unknown event type ledgered", "event_id", stored.ID, "event_type", stored.EventType, "trace_id", traceID)
		if err := s.repo.MarkWebhookProcessed(ctx, stored.ID, s.now(), "ignored"); err != nil {
			log.Warnw("[Webhook] failed to stamp ignored event", "event_id", stored.ID, "trace_id", traceID, "error", err)
		}
		return res, nil
	}

	if err := s.dispatch(ctx, stored); err != nil {
		return nil, err
	}
	res.Outcome = IngestAccepted
	log.Infow("[Webhook] event accepted", "event_id", stored.ID, "event_type", stored.EventType, "trace_id", traceID)
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, event *models.BillingWebhookEvent) error {
	if s.queue == nil {
		return fmt.Errorf("%w: queue not configured", ErrEnqueueFailed)
	}
	payload := jobqueue.SettleWebhookPayload{EventID: event.ID, TraceID: event.TraceID}
	if _, err := s.queue.Enqueue(ctx, jobqueue.QueueBilling, jobqueue.JobTypeSettleWebhookEvent, event.TraceID, payload); err != nil {
		log.Errorw("[Webhook] enqueue failed", "event_id", event.ID, "trace_id", event.TraceID, "error", err)
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	if err := s.repo.MarkWebhookEnqueued(ctx, event.ID, s.now()); err != nil {
		// The job is queued; settlement stamps processed_at regardless.
		log.Warnw("[Webhook] failed to stamp enqueued_at", "event_id", event.ID, "trace_id", event.TraceID, "error", err)
	}
	return nil
}

// PaymentMethodView is the display-only part of a saved instrument.
type PaymentMethodView struct {
	CardMask  string `json:"card_mask"`
	CardBrand string `json:"card_brand"`
}

// SubscriptionView is the read model served by the subscription API.
type SubscriptionView struct {
	Plan               entitlements.Plan        `json:"plan"`
	PlanName           string                   `json:"plan_name"`
	State              models.SubscriptionState `json:"state"`
	EndDate            *time.Time               `json:"end_date"`
	IsActive           bool                     `json:"is_active"`
	AutoRenewAvailable bool                     `json:"auto_renew_available"`
	AutoRenewEnabled   bool                     `json:"auto_renew_enabled"`
	DailyPhotoLimit    *int                     `json:"daily_photo_limit"`
	PaymentMethod      *PaymentMethodView       `json:"payment_method"`
}

func newSubscriptionView(sub *models.Subscription, now time.Time) *SubscriptionView {
	plan := sub.EffectivePlan(now)
	spec := entitlements.MustLookup(plan)
	v := &SubscriptionView{
		Plan:               plan,
		PlanName:           spec.Name,
		State:              sub.State(now),
		EndDate:            sub.EndDate,
		IsActive:           sub.IsActive(now),
		AutoRenewAvailable: sub.HasInstrument() && entitlements.IsPaid(plan),
		AutoRenewEnabled:   sub.AutoRenew,
		DailyPhotoLimit:    entitlements.DailyPhotoLimit(plan),
	}
	if sub.HasInstrument() {
		v.PaymentMethod = &PaymentMethodView{CardMask: deref(sub.CardMask), CardBrand: deref(sub.CardBrand)}
	}
	return v
}

// GetSubscription returns the user's subscription, creating the FREE row on
// first contact.
func (s *Service) GetSubscription(ctx context.Context, userID uint) (*SubscriptionView, error) {
	sub, err := s.repo.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	return newSubscriptionView(sub, s.now()), nil
}

// EffectivePlan is the plan that gates features right now.
func (s *Service) EffectivePlan(ctx context.Context, userID uint) (entitlements.Plan, error) {
	sub, err := s.repo.GetOrCreateSubscription(ctx, userID)
	if err != nil {
		return entitlements.PlanFree, err
	}
	return sub.EffectivePlan(s.now()), nil
}

// SetAutoRenew toggles auto-renew. Enabling needs a saved instrument and a
// paid plan; disabling always succeeds. Plan and status are never touched.
func (s *Service) SetAutoRenew(ctx context.Context, userID uint, enabled bool) (*SubscriptionView, error) {
	var view *SubscriptionView
	err := s.repo.WithSubscriberLock(ctx, userID, func(tx Locked, sub *models.Subscription) error {
		now := s.now()
		if enabled {
			if !sub.HasInstrument() {
				return ErrNoPaymentMethod
			}
			if !entitlements.IsPaid(sub.EffectivePlan(now)) {
				return ErrFreePlan
			}
		}
		if sub.AutoRenew != enabled {
			if err := sub.SetAutoRenew(enabled); err != nil {
				return err
			}
			if err := tx.SaveSubscription(sub); err != nil {
				return err
			}
		}
		view = newSubscriptionView(sub, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// RemovePaymentMethod forgets the saved instrument and disables auto-renew.
func (s *Service) RemovePaymentMethod(ctx context.Context, userID uint) (*SubscriptionView, error) {
	var view *SubscriptionView
	err := s.repo.WithSubscriberLock(ctx, userID, func(tx Locked, sub *models.Subscription) error {
		if sub.HasInstrument() || sub.AutoRenew {
			sub.ClearInstrument()
			if err := tx.SaveSubscription(sub); err != nil {
				return err
			}
		}
		view = newSubscriptionView(sub, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Checkout is the result of a manual purchase.
type Checkout struct {
	PaymentID       string `json:"payment_id"`
	Status          string `json:"status"`
	ConfirmationURL string `json:"confirmation_url"`
}

// CreatePurchase records a pending purchase and asks the provider for a
// confirmation URL. The local id doubles as the provider idempotence key.
func (s *Service) CreatePurchase(ctx context.Context, userID uint, planCode string, savePaymentMethod bool) (*Checkout, error) {
	if s.provider == nil {
		return nil, ErrProviderMissing
	}
	spec, ok := entitlements.Lookup(strings.ToLower(strings.TrimSpace(planCode)))
	if !ok {
		return nil, ErrUnknownPlan
	}
	if !spec.Purchasable() {
		return nil, ErrPlanNotForSale
	}

	p := models.NewPayment(userID, models.PaymentKindPurchase, string(spec.Code), spec.Price, spec.Currency)
	p.SavePaymentMethod = savePaymentMethod
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	pp, err := s.provider.CreatePayment(ctx, PaymentRequest{
		IdempotenceKey:    p.ID,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Description:       spec.Name,
		PaymentID:         p.ID,
		UserID:            userID,
		SavePaymentMethod: savePaymentMethod,
	})
	if err != nil {
		if !IsRejection(err) {
			log.Warnw("[Billing] provider outcome unknown, purchase left pending", "payment_id", p.ID, "user_id", userID, "error", err)
			return nil, fmt.Errorf("provider create payment: %w: %w", ErrProviderOutcomeUnknown, err)
		}
		if markErr := p.MarkFailed(reasonInitiationFailed); markErr == nil {
			if saveErr := s.repo.SavePayment(ctx, p); saveErr != nil {
				log.Warnw("[Billing] failed to mark purchase failed", "payment_id", p.ID, "error", saveErr)
			}
		}
		return nil, fmt.Errorf("provider create payment: %w", err)
	}

	p.ProviderPaymentID = &pp.ID
	if err := s.repo.SavePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("save provider payment id: %w", err)
	}
	log.Infow("[Billing] purchase created", "payment_id", p.ID, "user_id", userID, "plan", spec.Code)
	return &Checkout{PaymentID: p.ID, Status: p.Status, ConfirmationURL: pp.ConfirmationURL}, nil
}

// ListPayments returns the user's most recent payments.
func (s *Service) ListPayments(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListPaymentsByUser(ctx, userID, limit)
}

// IsPolicyRejection reports errors that are the caller's fault, not ours.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrNoPaymentMethod) ||
		errors.Is(err, ErrFreePlan) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrPlanNotForSale)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
