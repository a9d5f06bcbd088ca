package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/fitpulse/fitpulse/internal/pkg/billing"
	"github.com/fitpulse/fitpulse/internal/pkg/cache"
	"github.com/fitpulse/fitpulse/internal/pkg/config"
	"github.com/fitpulse/fitpulse/internal/pkg/database"
	"github.com/fitpulse/fitpulse/internal/pkg/env"
	"github.com/fitpulse/fitpulse/internal/pkg/jobqueue"
	"github.com/fitpulse/fitpulse/internal/pkg/router"
	"github.com/fitpulse/fitpulse/internal/pkg/trustguard"
	"github.com/fitpulse/fitpulse/internal/pkg/usage"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Server] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("[Server] %v", err)
	}

	go func() {
		<-ctx.Done()
		log.Info("[Server] Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Server] Shutdown failed: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)); err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the API process. It ledgers webhooks and serves the
// subscription APIs; settlement runs in cmd/worker.
func NewApplication(ctx context.Context, cfg *config.Config) (*fiber.App, error) {
	db, err := database.Open(cfg.Database, cfg.App.IsDev())
	if err != nil {
		return nil, err
	}
	if cfg.App.IsDev() {
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	guard, err := trustguard.New(cfg.Webhook.ProviderCIDRs, cfg.Webhook.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trust guard: %w", err)
	}

	// Produce-only: this process never runs workers.
	queue := jobqueue.NewQueue(rdb, jobqueue.Options{MaxRetries: cfg.Queue.MaxRetries, BaseBackoff: cfg.Queue.BaseBackoff})
	throttle := usage.NewThrottle(rdb)

	var provider billing.Provider
	if cfg.Provider.Configured() {
		provider = billing.NewProviderClient(cfg.Provider)
	} else {
		log.Warn("[Server] payment provider not configured, purchases are disabled")
	}
	service := billing.NewServiceFromDB(db, billing.Deps{
		Provider:       provider,
		Queue:          queue,
		Usage:          throttle,
		RenewalTimeout: cfg.Provider.Timeout,
	})

	app := fiber.New(fiber.Config{
		AppName:   "fitpulse",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	if cfg.Auth.AdminToken != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				"admin": cfg.Auth.AdminToken,
			},
		}), monitor.New())
	}

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[Server] docs/openapi.yml not found, API docs disabled")
	}

	router.InstallRouter(app, router.Dependencies{
		Config:   cfg,
		Billing:  service,
		Throttle: throttle,
		Queue:    queue,
		Guard:    guard,
		LimiterStorage: redisstorage.New(redisstorage.Config{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.DB,
			Reset:    false,
		}),
	})

	return app, nil
}

func findOpenAPISpec() string {
	for _, base := range []string{"./", "../../", "../../../"} {
		path := base + "docs/openapi.yml"
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
