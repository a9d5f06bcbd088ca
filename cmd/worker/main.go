package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/log"

	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/cache"
	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/database"
	"github.com/fitpulse/fitpulse/internal/pkg/env"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
	"github.com/fitpulse/fitpulse/internal/pkg/nutrition"
	"github.com/fitpulse/fitpulse/internal/pkg/usage"
)

// The worker settles ledgered webhook events, runs follow-up jobs and the
// renewal, expiry and redelivery schedules.
func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Worker] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database, cfg.App.IsDev())
	if err != nil {
		log.Fatalf("[Worker] %v", err)
	}
	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("[Worker] %v", err)
	}
	defer rdb.Close()

	queue := jobqueue.NewQueue(rdb, jobqueue.Options{
		Workers: map[string]int{
			jobqueue.QueueBilling: cfg.Queue.BillingWorkers,
			jobqueue.QueueDefault: cfg.Queue.DefaultWorkers,
		},
		MaxRetries:  cfg.Queue.MaxRetries,
		BaseBackoff: cfg.Queue.BaseBackoff,
	})

	var provider billing.Provider
	if cfg.Provider.Configured() {
		provider = billing.NewProviderClient(cfg.Provider)
	} else {
		log.Warn("[Worker] payment provider not configured, renewals are disabled")
	}
	service := billing.NewServiceFromDB(db, billing.Deps{
		Provider:       provider,
		Queue:          queue,
		Usage:          usage.NewThrottle(rdb),
		RenewalTimeout: cfg.Provider.Timeout,
	})

	queue.RegisterHandler(jobqueue.JobTypeSettleWebhookEvent, service.SettlementJobHandler())
	queue.RegisterHandler(jobqueue.JobTypeRecalculateGoal, nutrition.NewClient(cfg.Nutrition).JobHandler())
	queue.OnDeadLetter(service.HandleDeadLetter)

	manager := jobqueue.NewManager(queue, jobqueue.QueueBilling, jobqueue.QueueDefault)
	manager.Start()

	scheduler := billing.NewScheduler(service, cfg.Renewal)
	if err := scheduler.Start(ctx); err != nil {
		manager.Stop()
		log.Fatalf("[Worker] %v", err)
	}
	log.Infow("[Worker] running", "billing_workers", cfg.Queue.BillingWorkers, "default_workers", cfg.Queue.DefaultWorkers)

	<-ctx.Done()
	log.Info("[Worker] Shutting down...")
	scheduler.Stop()
	manager.Stop()
}
