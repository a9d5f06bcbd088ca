package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/fitpulse/fitpulse/app/models"
	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/entitlements"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
)

const (
	sweepBatchSize = 200

	reasonInitiationFailed = "initiation_failed"
	reasonNoPaymentMethod  = "no_payment_method"
)

// SweepReport summarises one renewal sweep.
type SweepReport struct {
	Candidates int
	Initiated  int
	Failed     int
	// Deferred attempts stay PENDING and are re-issued on the next sweep.
	Deferred int
	Skipped  int
}

type renewalOutcome int

const (
	renewalInitiated renewalOutcome = iota
	renewalFailed
	renewalDeferred
	renewalSkipped
)

func (r *SweepReport) add(o renewalOutcome) {
	switch o {
	case renewalInitiated:
		r.Initiated++
	case renewalFailed:
		r.Failed++
	case renewalDeferred:
		r.Deferred++
	default:
		r.Skipped++
	}
}

// RenewalSweep charges saved instruments of subscriptions ending within
// lookahead. Results arrive later as webhooks.
func (s *Service) RenewalSweep(ctx context.Context, lookahead time.Duration) (SweepReport, error) {
	var report SweepReport
	if s.provider == nil {
		return report, ErrProviderMissing
	}

	// Attempts whose provider outcome was unknown on an earlier sweep go first.
	stalled, err := s.repo.ListStalledRenewals(ctx, sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stalled renewals: %w", err)
	}
	for i := range stalled {
		report.add(s.reissueRenewal(ctx, &stalled[i]))
	}

	dueBefore := s.now().Add(lookahead)
	candidates, err := s.repo.ListRenewalCandidates(ctx, dueBefore, sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list renewal candidates: %w", err)
	}
	report.Candidates = len(candidates)
	for _, c := range candidates {
		report.add(s.startRenewal(ctx, c.UserID, dueBefore))
	}

	log.Infow("[Renewal] sweep finished", "candidates", report.Candidates, "initiated", report.Initiated,
		"failed", report.Failed, "deferred", report.Deferred, "skipped", report.Skipped)
	return report, nil
}

// startRenewal re-checks the candidate under its lock and records the
// pending attempt before any provider call.
func (s *Service) startRenewal(ctx context.Context, userID uint, dueBefore time.Time) renewalOutcome {
	var (
		payment    *models.Payment
		instrument string
	)
	err := s.repo.WithSubscriberLock(ctx, userID, func(tx Locked, sub *models.Subscription) error {
		if sub.Status != models.SubscriptionStatusActive || !sub.AutoRenew || !sub.HasInstrument() {
			return nil
		}
		if sub.EndDate == nil || sub.EndDate.After(dueBefore) {
			return nil
		}
		spec, ok := entitlements.Lookup(sub.Plan)
		if !ok || !spec.Purchasable() {
			return nil
		}
		pending, err := tx.HasPendingRenewal(userID)
		if err != nil || pending {
			return err
		}

		p := models.NewPayment(userID, models.PaymentKindRenewal, string(spec.Code), spec.Price, spec.Currency)
		if err := tx.CreatePayment(p); err != nil {
			return err
		}
		payment = p
		instrument = *sub.SavedInstrumentID
		return nil
	})
	if err != nil {
		log.Errorw("[Renewal] failed to record renewal attempt", "user_id", userID, "error", err)
		return renewalFailed
	}
	if payment == nil {
		return renewalSkipped
	}
	return s.initiateRenewal(ctx, payment, instrument)
}

func (s *Service) reissueRenewal(ctx context.Context, stalled *models.Payment) renewalOutcome {
	var instrument string
	err := s.repo.WithSubscriberLock(ctx, stalled.UserID, func(tx Locked, sub *models.Subscription) error {
		p, err := tx.LockPayment(stalled.ID)
		if err != nil {
			return err
		}
		if p.IsTerminal() || p.ProviderPaymentID != nil {
			return nil
		}
		if !sub.HasInstrument() {
			if err := p.MarkFailed(reasonNoPaymentMethod); err != nil {
				return err
			}
			return tx.SavePayment(p)
		}
		instrument = *sub.SavedInstrumentID
		return nil
	})
	if err != nil {
		log.Errorw("[Renewal] failed to reload stalled attempt", "payment_id", stalled.ID, "error", err)
		return renewalFailed
	}
	if instrument == "" {
		return renewalSkipped
	}
	return s.initiateRenewal(ctx, stalled, instrument)
}

// initiateRenewal calls the provider with our payment id as idempotence key,
// so a re-issued call can never create a second charge.
func (s *Service) initiateRenewal(ctx context.Context, p *models.Payment, instrumentID string) renewalOutcome {
	spec := entitlements.MustLookup(entitlements.Normalize(p.Plan))
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	pp, err := s.provider.CreateRecurringPayment(callCtx, PaymentRequest{
		IdempotenceKey:  p.ID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Description:     "Renewal: " + spec.Name,
		PaymentID:       p.ID,
		UserID:          p.UserID,
		PaymentMethodID: instrumentID,
	})
	cancel()

	if err != nil && IsIndeterminate(err) {
		log.Warnw("[Renewal] provider call indeterminate, attempt left pending", "payment_id", p.ID, "user_id", p.UserID, "error", err)
		return renewalDeferred
	}

	callErr := err
	lockErr := s.repo.WithSubscriberLock(ctx, p.UserID, func(tx Locked, _ *models.Subscription) error {
		cur, err := tx.LockPayment(p.ID)
		if err != nil {
			return err
		}
		// A webhook may already have settled the attempt.
		if cur.IsTerminal() {
			return nil
		}
		if callErr != nil {
			if err := cur.MarkFailed(reasonInitiationFailed); err != nil {
				return err
			}
			return tx.SavePayment(cur)
		}
		if cur.ProviderPaymentID == nil {
			cur.ProviderPaymentID = &pp.ID
			return tx.SavePayment(cur)
		}
		return nil
	})
	if lockErr != nil {
		log.Errorw("[Renewal] failed to record provider result", "payment_id", p.ID, "user_id", p.UserID, "error", lockErr)
	}
	if callErr != nil {
		log.Warnw("[Renewal] provider rejected renewal charge", "payment_id", p.ID, "user_id", p.UserID, "error", callErr)
		return renewalFailed
	}
	log.Infow("[Renewal] renewal charge initiated", "payment_id", p.ID, "user_id", p.UserID, "provider_payment_id", pp.ID)
	return renewalInitiated
}

// ExpirySweep demotes subscriptions whose paid window has elapsed.
func (s *Service) ExpirySweep(ctx context.Context) (int, error) {
	expired, err := s.repo.ListExpiredSubscriptions(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired subscriptions: %w", err)
	}

	demoted := 0
	for _, c := range expired {
		changed := false
		err := s.repo.WithSubscriberLock(ctx, c.UserID, func(tx Locked, sub *models.Subscription) error {
			if sub.State(s.now()) != models.StateProExpired {
				return nil
			}
			sub.Demote()
			changed = true
			return tx.SaveSubscription(sub)
		})
		if err != nil {
			log.Errorw("[Renewal] demotion failed", "user_id", c.UserID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		demoted++
		log.Infow("[Renewal] subscription demoted to free", "user_id", c.UserID)
		if s.queue != nil {
			payload := jobqueue.RecalculateGoalPayload{UserID: c.UserID, Plan: string(entitlements.PlanFree)}
			if _, err := s.queue.Enqueue(ctx, jobqueue.QueueDefault, jobqueue.JobTypeRecalculateGoal, "", payload); err != nil {
				log.Warnw("[Renewal] goal recalculation enqueue failed", "user_id", c.UserID, "error", err)
			}
		}
	}
	return demoted, nil
}

// RedeliverySweep re-enqueues ledgered events that never reached a worker or
// sat unprocessed longer than staleAfter.
func (s *Service) RedeliverySweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	events, err := s.repo.ListUndeliveredWebhookEvents(ctx, s.now().Add(-staleAfter), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered events: %w", err)
	}
	n := 0
	for i := range events {
		if err := s.dispatch(ctx, &events[i]); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Infow("[Renewal] ledger events redelivered", "count", n)
	}
	return n, nil
}

// Scheduler runs the maintenance sweeps on cron schedules.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	cfg     config.RenewalConfig
	ctx     context.Context
}

// NewScheduler creates a scheduler. Runs of the same job never overlap.
func NewScheduler(service *Service, cfg config.RenewalConfig) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		service: service,
		cfg:     cfg,
	}
}

// Start registers the sweeps and starts the cron loop. ctx bounds every run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{name: "renewal", spec: s.cfg.Schedule, run: s.runRenewal},
		{name: "expiry", spec: s.cfg.ExpirySchedule, run: s.runExpiry},
		{name: "redelivery", spec: s.cfg.RedeliverySchedule, run: s.runRedelivery},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", j.name, j.spec, err)
		}
	}
	s.cron.Start()
	log.Infow("[Renewal] scheduler started", "renewal", s.cfg.Schedule, "expiry", s.cfg.ExpirySchedule,
		"redelivery", s.cfg.RedeliverySchedule)
	return nil
}

// Stop waits for running sweeps to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	log.Info("[Renewal] scheduler stopped")
}

// NextRuns lists the next fire time of every registered sweep.
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) runRenewal() {
	if _, err := s.service.RenewalSweep(s.ctx, s.cfg.Lookahead); err != nil {
		log.Errorw("[Renewal] renewal sweep failed", "error", err)
	}
}

func (s *Scheduler) runExpiry() {
	if _, err := s.service.ExpirySweep(s.ctx); err != nil {
		log.Errorw("[Renewal] expiry sweep failed", "error", err)
	}
}

func (s *Scheduler) runRedelivery() {
	if _, err := s.service.RedeliverySweep(s.ctx, s.cfg.RedeliveryAfter); err != nil {
		log.Errorw("[Renewal] redelivery sweep failed", "error", err)
	}
}

// cronLogger routes robfig/cron diagnostics into the fiber logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugw("[Cron] "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorw("[Cron] "+msg, append(keysAndValues, "error", err)...)
}
