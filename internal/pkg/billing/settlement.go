package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

// planChange is collected inside the subscriber lock and acted on after the
// transaction commits.
type planChange struct {
	userID uint
	plan   entitlements.Plan
}

// SettleWebhookEvent applies one ledgered provider event. Every failure is a
// *SettlementError carrying traceID and whether a retry can help.
func (s *Service) SettleWebhookEvent(ctx context.Context, eventID uint, traceID string) error {
	event, err := s.repo.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return s.fail(ctx, eventID, traceID, fmt.Errorf("load event: %w", err))
	}
	if traceID == "" {
		traceID = event.TraceID
	}
	if event.ProcessedAt != nil {
		log.Infow("[Settlement] event already processed", "event_id", eventID, "trace_id", traceID)
		return nil
	}

	n, err := ParseNotification(event.RawPayload)
	if err != nil {
		return s.fail(ctx, eventID, traceID, err)
	}

	var change *planChange
	switch ev := n.(type) {
	case PaymentSucceeded:
		change, err = s.settleSucceeded(ctx, ev, traceID)
	case PaymentCanceled:
		err = s.settleCanceled(ctx, ev, traceID)
	case RefundSucceeded:
		err = s.settleRefund(ctx, ev, traceID)
	default:
		log.Infow("[Settlement] unknown event type skipped", "event_id", eventID, "event_type", n.EventType(), "trace_id", traceID)
	}
	if err != nil {
		return s.fail(ctx, eventID, traceID, err)
	}

	if err := s.repo.MarkWebhookProcessed(ctx, eventID, s.now(), ""); err != nil {
		// Business state is committed; a retry replays as a no-op and stamps again.
		return s.fail(ctx, eventID, traceID, fmt.Errorf("stamp processed: %w", err))
	}
	if change != nil {
		s.afterPlanChange(ctx, *change, traceID)
	}
	log.Infow("[Settlement] event settled", "event_id", eventID, "event_type", n.EventType(), "trace_id", traceID)
	return nil
}

func (s *Service) fail(ctx context.Context, eventID uint, traceID string, err error) error {
	serr := classify(err, eventID, traceID)
	if serr.Terminal() {
		log.Errorw("[Settlement] terminal failure", "event_id", eventID, "trace_id", traceID, "error", serr.Err)
		// The event stays unprocessed so an operator requeue can settle it.
		if markErr := s.repo.MarkWebhookFailed(ctx, eventID, serr.Err.Error()); markErr != nil {
			log.Warnw("[Settlement] failed to record terminal failure", "event_id", eventID, "trace_id", traceID, "error", markErr)
		}
	} else {
		log.Warnw("[Settlement] transient failure", "event_id", eventID, "trace_id", traceID, "error", serr.Err)
	}
	return serr
}

// resolvePayment finds our payment row: by the id we sent in metadata first,
// then by the provider's payment id.
func (s *Service) resolvePayment(ctx context.Context, paymentID, providerPaymentID string) (*models.Payment, error) {
	if paymentID != "" {
		p, err := s.repo.FindPayment(ctx, paymentID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrPaymentNotFound) {
			return nil, err
		}
	}
	if providerPaymentID != "" {
		return s.repo.FindPaymentByProviderID(ctx, providerPaymentID)
	}
	return nil, ErrPaymentNotFound
}

func (s *Service) settleSucceeded(ctx context.Context, ev PaymentSucceeded, traceID string) (*planChange, error) {
	payment, err := s.resolvePayment(ctx, ev.PaymentID, ev.ObjectID())
	if err != nil {
		return nil, err
	}

	var change *planChange
	err = s.repo.WithSubscriberLock(ctx, payment.UserID, func(tx Locked, sub *models.Subscription) error {
		p, err := tx.LockPayment(payment.ID)
		if err != nil {
			return err
		}
		switch {
		case p.Status == models.PaymentStatusSucceeded:
			log.Infow("[Settlement] payment already succeeded", "payment_id", p.ID, "trace_id", traceID)
			return nil
		case p.IsTerminal():
			log.Warnw("[Settlement] success for a payment in terminal status ignored",
				"payment_id", p.ID, "status", p.Status, "trace_id", traceID)
			return nil
		}

		if ev.Amount != nil && (!ev.Amount.Value.Equal(p.Amount) || ev.Amount.Currency != p.Currency) {
			return fmt.Errorf("%w: payment %s expected %s %s got %s %s", ErrAmountMismatch,
				p.ID, p.Amount.StringFixed(2), p.Currency, ev.Amount.Value.StringFixed(2), ev.Amount.Currency)
		}
		spec, err := planFor(p)
		if err != nil {
			return err
		}

		now := s.now()
		paidAt := now
		if !ev.CapturedAt.IsZero() {
			paidAt = ev.CapturedAt
		}
		if p.ProviderPaymentID == nil {
			id := ev.ObjectID()
			p.ProviderPaymentID = &id
		}
		if err := p.MarkSucceeded(paidAt); err != nil {
			return err
		}

		if sub.ActivateOrExtend(spec.Code, spec.Duration, now) {
			change = &planChange{userID: p.UserID, plan: spec.Code}
		}
		if p.SavePaymentMethod && ev.PaymentMethod.Saved && ev.PaymentMethod.ID != "" {
			sub.BindInstrument(ev.PaymentMethod.ID, ev.PaymentMethod.CardMask(), ev.PaymentMethod.CardType)
		}

		if err := tx.SavePayment(p); err != nil {
			return err
		}
		if err := tx.SaveSubscription(sub); err != nil {
			return err
		}
		log.Infow("[Settlement] payment succeeded", "payment_id", p.ID, "user_id", p.UserID,
			"plan", spec.Code, "end_date", sub.EndDate, "trace_id", traceID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (s *Service) settleCanceled(ctx context.Context, ev PaymentCanceled, traceID string) error {
	payment, err := s.resolvePayment(ctx, ev.PaymentID, ev.ObjectID())
	if err != nil {
		return err
	}

	return s.repo.WithSubscriberLock(ctx, payment.UserID, func(tx Locked, sub *models.Subscription) error {
		p, err := tx.LockPayment(payment.ID)
		if err != nil {
			return err
		}
		if p.IsTerminal() {
			log.Infow("[Settlement] cancellation for a payment in terminal status ignored",
				"payment_id", p.ID, "status", p.Status, "trace_id", traceID)
			return nil
		}

		if p.ProviderPaymentID == nil {
			id := ev.ObjectID()
			p.ProviderPaymentID = &id
		}
		if err := p.MarkCanceled(ev.Reason); err != nil {
			return err
		}
		if err := tx.SavePayment(p); err != nil {
			return err
		}

		if isPermanentDecline(ev.Reason) && usedSavedInstrument(p, ev.PaymentMethod, sub) && sub.HasInstrument() {
			sub.ClearInstrument()
			if err := tx.SaveSubscription(sub); err != nil {
				return err
			}
			log.Infow("[Settlement] saved instrument cleared", "user_id", p.UserID, "reason", ev.Reason, "trace_id", traceID)
		}
		log.Infow("[Settlement] payment canceled", "payment_id", p.ID, "user_id", p.UserID,
			"reason", ev.Reason, "trace_id", traceID)
		return nil
	})
}

// settleRefund marks the payment refunded. Access already granted stays.
func (s *Service) settleRefund(ctx context.Context, ev RefundSucceeded, traceID string) error {
	payment, err := s.repo.FindPaymentByProviderID(ctx, ev.ProviderPaymentID)
	if err != nil {
		return err
	}

	return s.repo.WithSubscriberLock(ctx, payment.UserID, func(tx Locked, _ *models.Subscription) error {
		p, err := tx.LockPayment(payment.ID)
		if err != nil {
			return err
		}
		if p.Status == models.PaymentStatusRefunded {
			log.Infow("[Settlement] payment already refunded", "payment_id", p.ID, "trace_id", traceID)
			return nil
		}
		if err := p.MarkRefunded(s.now()); err != nil {
			return fmt.Errorf("%w: payment %s status %s", ErrRefundNotAllowed, p.ID, p.Status)
		}
		if err := tx.SavePayment(p); err != nil {
			return err
		}
		log.Infow("[Settlement] payment refunded", "payment_id", p.ID, "user_id", p.UserID, "trace_id", traceID)
		return nil
	})
}

// afterPlanChange runs the follow-ups of a plan change. Both are best effort:
// the subscription is already committed.
func (s *Service) afterPlanChange(ctx context.Context, change planChange, traceID string) {
	if s.usage != nil {
		if err := s.usage.Reset(ctx, change.userID, s.now()); err != nil {
			log.Warnw("[Settlement] usage reset failed", "user_id", change.userID, "trace_id", traceID, "error", err)
		}
	}
	if s.queue != nil {
		payload := jobqueue.RecalculateGoalPayload{UserID: change.userID, Plan: string(change.plan)}
		if _, err := s.queue.Enqueue(ctx, jobqueue.QueueDefault, jobqueue.JobTypeRecalculateGoal, traceID, payload); err != nil {
			log.Warnw("[Settlement] goal recalculation enqueue failed", "user_id", change.userID, "trace_id", traceID, "error", err)
		}
	}
}
