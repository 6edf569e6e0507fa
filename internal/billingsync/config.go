package billingsync

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/schedmate/schedmate/internal/billingsync/paypal"
	"github.com/schedmate/schedmate/internal/billingsync/registry"
	"github.com/schedmate/schedmate/internal/billingsync/sweep"
	"github.com/schedmate/schedmate/internal/billingsync/webhook"
	"github.com/schedmate/schedmate/pkg/billing"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	ServiceKey  string
	TrustProxy  bool // honour X-Forwarded-For for rate limiting

	StoreDriver string
	DatabaseURL string

	PayPalClientID  string
	PayPalSecret    string
	PayPalWebhookID string
	PayPalAPIBase   string

	StripeWebhookSecret string // optional; enables /webhooks/stripe
	RedisURL            string // optional; enables the distributed sweep lock

	SweepInterval    time.Duration
	SweepExpireGrace bool // opt-in; the sweep only expires trials by default
	GraceDays        int
	TrialDays        int
	WebhookTimeout   time.Duration

	LogLevel  string
	LogFormat string
}

// StoreDir returns the directory holding the SQLite database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// OpenConfig returns the registry configuration.
func (c *Config) OpenConfig() registry.OpenConfig {
	return registry.OpenConfig{
		Driver:      registry.Driver(c.StoreDriver),
		DataDir:     c.StoreDir(),
		DatabaseURL: c.DatabaseURL,
	}
}

// LoadConfig loads configuration from environment variables. A .env file
// is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8080)
	if err != nil {
		return nil, err
	}
	graceDays, err := envOrDefaultInt("GRACE_DAYS", billing.DefaultGraceDays)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("TRIAL_DAYS", billing.DefaultTrialDays)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("SWEEP_INTERVAL", sweep.DefaultInterval)
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := envOrDefaultDuration("WEBHOOK_TIMEOUT", webhook.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	expireGrace, err := envOrDefaultBool("SWEEP_EXPIRE_GRACE", false)
	if err != nil {
		return nil, err
	}
	trustProxy, err := envOrDefaultBool("BILLING_TRUST_PROXY", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		ServiceKey:          strings.TrimSpace(os.Getenv("BILLING_SERVICE_KEY")),
		TrustProxy:          trustProxy,
		StoreDriver:         strings.ToLower(envOrDefault("STORE_DRIVER", string(registry.DriverSQLite))),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PayPalClientID:      strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_ID")),
		PayPalSecret:        strings.TrimSpace(os.Getenv("PAYPAL_SECRET")),
		PayPalWebhookID:     strings.TrimSpace(os.Getenv("PAYPAL_WEBHOOK_ID")),
		PayPalAPIBase:       envOrDefault("PAYPAL_API_BASE", paypal.SandboxAPIBase),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		SweepInterval:       sweepInterval,
		SweepExpireGrace:    expireGrace,
		GraceDays:           graceDays,
		TrialDays:           trialDays,
		WebhookTimeout:      webhookTimeout,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

// validate checks what every command needs: a usable store and sane
// billing windows.
func (c *Config) validate() error {
	switch registry.Driver(c.StoreDriver) {
	case registry.DriverSQLite, registry.DriverMemory:
	case registry.DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of sqlite, postgres, memory, got %q", c.StoreDriver)
	}

	if c.GraceDays < 1 {
		return fmt.Errorf("GRACE_DAYS must be at least 1, got %d", c.GraceDays)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("TRIAL_DAYS must be at least 1, got %d", c.TrialDays)
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1m, got %s", c.SweepInterval)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be greater than 0, got %s", c.WebhookTimeout)
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL must be a valid URL: %w", err)
		}
	}
	return nil
}

// ValidateServe checks the settings only the HTTP service needs.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.ServiceKey == "" {
		missing = append(missing, "BILLING_SERVICE_KEY")
	}
	if c.PayPalClientID == "" {
		missing = append(missing, "PAYPAL_CLIENT_ID")
	}
	if c.PayPalSecret == "" {
		missing = append(missing, "PAYPAL_SECRET")
	}
	if c.PayPalWebhookID == "" {
		missing = append(missing, "PAYPAL_WEBHOOK_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}

	parsed, err := url.Parse(c.PayPalAPIBase)
	if err != nil {
		return fmt.Errorf("PAYPAL_API_BASE must be a valid URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("PAYPAL_API_BASE must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("PAYPAL_API_BASE must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
