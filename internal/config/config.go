// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/escrowpay/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Sweep lease store (optional, process-local lease if not set)

	// Payout processor
	StripeSecretKey       string
	Currency              string
	WithdrawalMethodsFile string // YAML catalog; the embedded default is used when empty

	// Retry and sweeps
	PaymentMaxAttempts     int
	WithdrawalMaxAttempts  int
	RetryBaseDelay         time.Duration
	StuckProcessingTimeout time.Duration
	SweepBatchSize         int
	PaymentsCron           string
	WithdrawalsCron        string
	DeadlinesCron          string
	ReconcileCron          string

	// Notifications
	WebhookURL    string
	WebhookSecret string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AdminSecret     string // Guards the /v1/ops routes
	OpsRateLimitRPM int    // Per-client request budget on /v1/ops
}

// Defaults
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultPaymentMaxAttempts     = 5
	DefaultWithdrawalMaxAttempts  = 5
	DefaultRetryBaseDelay         = time.Minute
	DefaultStuckProcessingTimeout = 15 * time.Minute
	DefaultSweepBatchSize         = 100
	DefaultOpsRateLimitRPM        = 120
	DefaultPaymentsCron           = "*/5 * * * *"
	DefaultWithdrawalsCron        = "*/5 * * * *"
	DefaultDeadlinesCron          = "0 * * * *"
	DefaultReconcileCron          = "30 3 * * *"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		Currency:               getEnv("CURRENCY", money.DefaultCurrency),
		WithdrawalMethodsFile:  os.Getenv("WITHDRAWAL_METHODS_FILE"),
		PaymentMaxAttempts:     int(getEnvInt64("PAYMENT_MAX_ATTEMPTS", DefaultPaymentMaxAttempts)),
		WithdrawalMaxAttempts:  int(getEnvInt64("WITHDRAWAL_MAX_ATTEMPTS", DefaultWithdrawalMaxAttempts)),
		RetryBaseDelay:         getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),
		StuckProcessingTimeout: getEnvDuration("STUCK_PROCESSING_TIMEOUT", DefaultStuckProcessingTimeout),
		SweepBatchSize:         int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		PaymentsCron:           getEnv("PAYMENTS_CRON", DefaultPaymentsCron),
		WithdrawalsCron:        getEnv("WITHDRAWALS_CRON", DefaultWithdrawalsCron),
		DeadlinesCron:          getEnv("DEADLINES_CRON", DefaultDeadlinesCron),
		ReconcileCron:          getEnv("RECONCILE_CRON", DefaultReconcileCron),
		WebhookURL:             os.Getenv("WEBHOOK_URL"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		OpsRateLimitRPM:        int(getEnvInt64("OPS_RATE_LIMIT_RPM", DefaultOpsRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	if c.PaymentMaxAttempts < 1 || c.WithdrawalMaxAttempts < 1 {
		return fmt.Errorf("PAYMENT_MAX_ATTEMPTS and WITHDRAWAL_MAX_ATTEMPTS must be at least 1")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive")
	}
	if c.StuckProcessingTimeout <= 0 {
		return fmt.Errorf("STUCK_PROCESSING_TIMEOUT must be positive")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a three-letter code, got %q", c.Currency)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
