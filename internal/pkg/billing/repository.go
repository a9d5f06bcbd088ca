package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	// Event ledger
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error)
	MarkWebhookEnqueued(ctx context.Context, id uint, at time.Time) error
	MarkWebhookProcessed(ctx context.Context, id uint, at time.Time, processingError string) error
	MarkWebhookFailed(ctx context.Context, id uint, processingError string) error
	ListUndeliveredWebhookEvents(ctx context.Context, staleBefore time.Time, limit int) ([]models.BillingWebhookEvent, error)

	// Subscriptions and payments
	GetOrCreateSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	FindPayment(ctx context.Context, id string) (*models.Payment, error)
	FindPaymentByProviderID(ctx context.Context, providerPaymentID string) (*models.Payment, error)
	CreatePayment(ctx context.Context, p *models.Payment) error
	SavePayment(ctx context.Context, p *models.Payment) error
	ListPaymentsByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error)
	ListRenewalCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]models.Subscription, error)
	ListStalledRenewals(ctx context.Context, limit int) ([]models.Payment, error)
	ListExpiredSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error)

	// WithSubscriberLock runs fn in one transaction holding an exclusive lock
	// on the user's subscription row, creating the row if needed. The
	// Locked handle is only valid inside fn.
	WithSubscriberLock(ctx context.Context, userID uint, fn func(tx Locked, sub *models.Subscription) error) error
}

// Locked is the set of writes allowed while a subscriber lock is held.
type Locked interface {
	LockPayment(id string) (*models.Payment, error)
	HasPendingRenewal(userID uint) (bool, error)
	CreatePayment(p *models.Payment) error
	SavePayment(p *models.Payment) error
	SaveSubscription(sub *models.Subscription) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", event.IdempotencyKey).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, id uint) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *gormRepository) MarkWebhookEnqueued(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Update("enqueued_at", at.UTC()).Error
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, at time.Time, processingError string) error {
	processed := at.UTC()
	updates := map[string]interface{}{
		"processed_at":     &processed,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) MarkWebhookFailed(ctx context.Context, id uint, processingError string) error {
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processing_error", processingError).Error
}

// ListUndeliveredWebhookEvents returns unprocessed events that were never
// enqueued, or were enqueued before staleBefore. Events already parked with a
// processing error are left to the operator.
func (r *gormRepository) ListUndeliveredWebhookEvents(ctx context.Context, staleBefore time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND processing_error = ''").
		Where("(enqueued_at IS NULL AND received_at < ?) OR enqueued_at < ?", staleBefore.UTC(), staleBefore.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) GetOrCreateSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	return getOrCreateSubscription(r.db.WithContext(ctx), userID, false)
}

func getOrCreateSubscription(db *gorm.DB, userID uint, lock bool) (*models.Subscription, error) {
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(models.NewFreeSubscription(userID)).Error; err != nil {
		return nil, err
	}
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.Subscription
	if err := q.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindPayment(ctx context.Context, id string) (*models.Payment, error) {
	return findPayment(r.db.WithContext(ctx), "id = ?", id)
}

func (r *gormRepository) FindPaymentByProviderID(ctx context.Context, providerPaymentID string) (*models.Payment, error) {
	return findPayment(r.db.WithContext(ctx), "provider_payment_id = ?", providerPaymentID)
}

func findPayment(db *gorm.DB, query string, arg string) (*models.Payment, error) {
	var p models.Payment
	err := db.Where(query, arg).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) SavePayment(ctx context.Context, p *models.Payment) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *gormRepository) ListPaymentsByUser(ctx context.Context, userID uint, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// ListRenewalCandidates selects active auto-renewing subscriptions ending
// before dueBefore that have no renewal payment in flight.
func (r *gormRepository) ListRenewalCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]models.Subscription, error) {
	pending := r.db.Model(&models.Payment{}).
		Select("1").
		Where("payments.user_id = subscriptions.user_id AND payments.kind = ? AND payments.status = ?",
			models.PaymentKindRenewal, models.PaymentStatusPending)

	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND auto_renew = ? AND plan <> ?", models.SubscriptionStatusActive, true, string(entitlements.PlanFree)).
		Where("end_date IS NOT NULL AND end_date <= ?", dueBefore.UTC()).
		Where("saved_instrument_id IS NOT NULL").
		Where("NOT EXISTS (?)", pending).
		Order("end_date ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// ListStalledRenewals returns pending renewal payments whose provider call
// ended without a definite answer, so no provider id was recorded.
func (r *gormRepository) ListStalledRenewals(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND provider_payment_id IS NULL",
			models.PaymentKindRenewal, models.PaymentStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *gormRepository) ListExpiredSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("plan <> ?", string(entitlements.PlanFree)).
		Where("status <> ? OR end_date IS NULL OR end_date < ?", models.SubscriptionStatusActive, now.UTC()).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) WithSubscriberLock(ctx context.Context, userID uint, fn func(tx Locked, sub *models.Subscription) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := getOrCreateSubscription(tx, userID, true)
		if err != nil {
			return err
		}
		return fn(&lockedTx{db: tx}, sub)
	})
}

type lockedTx struct {
	db *gorm.DB
}

func (t *lockedTx) LockPayment(id string) (*models.Payment, error) {
	return findPayment(t.db.Clauses(clause.Locking{Strength: "UPDATE"}), "id = ?", id)
}

func (t *lockedTx) HasPendingRenewal(userID uint) (bool, error) {
	var n int64
	err := t.db.Model(&models.Payment{}).
		Where("user_id = ? AND kind = ? AND status = ?", userID, models.PaymentKindRenewal, models.PaymentStatusPending).
		Count(&n).Error
	return n > 0, err
}

func (t *lockedTx) CreatePayment(p *models.Payment) error {
	return t.db.Create(p).Error
}

func (t *lockedTx) SavePayment(p *models.Payment) error {
	return t.db.Save(p).Error
}

func (t *lockedTx) SaveSubscription(sub *models.Subscription) error {
	return t.db.Save(sub).Error
}
