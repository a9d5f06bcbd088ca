package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fitpulse/fitpulse/internal/pkg/env"
)

// DefaultProviderCIDRs are the ranges the payment provider publishes for its
// notification senders.
var DefaultProviderCIDRs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// Config is built once per process and handed to every component. Nothing
// below main reads the environment.
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Provider  ProviderConfig
	Webhook   WebhookConfig
	Queue     QueueConfig
	Renewal   RenewalConfig
	Auth      AuthConfig
	Nutrition NutritionConfig
}

type AppConfig struct {
	Host string `validate:"required"`
	Port string `validate:"required,numeric"`
	Env  string `validate:"oneof=dev test prod"`
}

// IsDev reports whether the process was started in development mode.
func (a AppConfig) IsDev() bool { return a.Env == "dev" }

type DatabaseConfig struct {
	User     string
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Name     string `validate:"required"`
}

// DSN returns the MySQL data source name used by GORM.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL returns the golang-migrate connection URL.
func (d DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"min=1,max=65535"`
	Password string
	DB       int `validate:"min=0"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ProviderConfig holds the payment provider credentials. Both may be left
// empty to run without outbound payments; setting only one is an error.
type ProviderConfig struct {
	BaseURL   string        `validate:"required,url"`
	ShopID    string        `validate:"required_with=SecretKey"`
	SecretKey string        `validate:"required_with=ShopID"`
	ReturnURL string        `validate:"omitempty,url"`
	Timeout   time.Duration `validate:"gt=0"`
}

func (p ProviderConfig) Configured() bool {
	return p.ShopID != "" && p.SecretKey != ""
}

type WebhookConfig struct {
	ProviderCIDRs  []string `validate:"min=1,dive,cidr|ip"`
	TrustedProxies []string `validate:"dive,cidr|ip"`
}

type QueueConfig struct {
	BillingWorkers int           `validate:"min=1"`
	DefaultWorkers int           `validate:"min=1"`
	MaxRetries     int           `validate:"min=0,max=20"`
	BaseBackoff    time.Duration `validate:"gt=0"`
}

type RenewalConfig struct {
	Schedule           string        `validate:"required"`
	ExpirySchedule     string        `validate:"required"`
	RedeliverySchedule string        `validate:"required"`
	Lookahead          time.Duration `validate:"gt=0"`
	RedeliveryAfter    time.Duration `validate:"gt=0"`
}

// AuthConfig is consumed by the request authentication middleware. Debug
// bypass is decided here, at construction time.
type AuthConfig struct {
	InternalToken string `validate:"required_without=DebugBypass"`
	AdminToken    string
	DebugBypass   bool
	DebugUserID   uint
}

type NutritionConfig struct {
	HookURL string        `validate:"omitempty,url"`
	Timeout time.Duration `validate:"gt=0"`
}

var ErrDebugBypassOutsideDev = errors.New("AUTH_DEBUG_BYPASS is only allowed with APP_ENV=dev")

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	var errs []error
	durationOf := func(key, def string) time.Duration {
		d, err := time.ParseDuration(env.GetEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	intOf := func(key, def string) int {
		v, err := strconv.Atoi(env.GetEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	cfg := &Config{
		App: AppConfig{
			Host: env.GetEnv("APP_HOST", "localhost"),
			Port: env.GetEnv("APP_PORT", "4000"),
			Env:  env.GetEnv("APP_ENV", "prod"),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     intOf("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       intOf("CACHE_DB", "0"),
		},
		Provider: ProviderConfig{
			BaseURL:   strings.TrimRight(env.GetEnv("PROVIDER_API_BASE_URL", "https://api.yookassa.ru/v3"), "/"),
			ShopID:    strings.TrimSpace(env.GetEnv("PROVIDER_SHOP_ID", "")),
			SecretKey: strings.TrimSpace(env.GetEnv("PROVIDER_SECRET_KEY", "")),
			ReturnURL: strings.TrimSpace(env.GetEnv("PROVIDER_RETURN_URL", "")),
			Timeout:   durationOf("PROVIDER_TIMEOUT", "15s"),
		},
		Webhook: WebhookConfig{
			ProviderCIDRs:  env.GetList("WEBHOOK_PROVIDER_CIDRS", DefaultProviderCIDRs),
			TrustedProxies: env.GetList("WEBHOOK_TRUSTED_PROXIES", nil),
		},
		Queue: QueueConfig{
			BillingWorkers: intOf("QUEUE_BILLING_WORKERS", "4"),
			DefaultWorkers: intOf("QUEUE_DEFAULT_WORKERS", "2"),
			MaxRetries:     intOf("QUEUE_MAX_RETRIES", "5"),
			BaseBackoff:    durationOf("QUEUE_BASE_BACKOFF", "10s"),
		},
		Renewal: RenewalConfig{
			Schedule:           env.GetEnv("RENEWAL_SCHEDULE", "@every 1h"),
			ExpirySchedule:     env.GetEnv("EXPIRY_SCHEDULE", "@every 1h"),
			RedeliverySchedule: env.GetEnv("LEDGER_REDELIVERY_SCHEDULE", "@every 5m"),
			Lookahead:          durationOf("RENEWAL_LOOKAHEAD", "24h"),
			RedeliveryAfter:    durationOf("LEDGER_REDELIVERY_AFTER", "10m"),
		},
		Auth: AuthConfig{
			InternalToken: strings.TrimSpace(env.GetEnv("AUTH_INTERNAL_TOKEN", "")),
			AdminToken:    strings.TrimSpace(env.GetEnv("AUTH_ADMIN_TOKEN", "")),
			DebugBypass:   env.GetEnv("AUTH_DEBUG_BYPASS", "false") == "true",
			DebugUserID:   uint(intOf("AUTH_DEBUG_USER_ID", "1")),
		},
		Nutrition: NutritionConfig{
			HookURL: strings.TrimSpace(env.GetEnv("NUTRITION_HOOK_URL", "")),
			Timeout: durationOf("NUTRITION_HOOK_TIMEOUT", "5s"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database settings, for tools like cmd/migrate
// that need nothing else.
func LoadDatabase() (DatabaseConfig, error) {
	cfg := databaseFromEnv()
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid database configuration: %w", err)
	}
	return cfg, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		User:     env.GetEnv("DB_USER", "fitpulse"),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		Name:     env.GetEnv("DB_NAME", "fitpulse"),
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Auth.DebugBypass && !c.App.IsDev() {
		return ErrDebugBypassOutsideDev
	}
	return nil
}
