// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment provider webhook verification
	WebhookProvider string // "stripe" or "hmac"
	WebhookSecret   string
	ReplayTolerance time.Duration // max |now - event timestamp| accepted on inbound events

	// Background loops
	SweepInterval     time.Duration // escrow auto-release / escalation sweep
	DispatchInterval  time.Duration // outbox dispatcher poll
	OutboxMaxAttempts int

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultWebhookProvider  = "hmac"
	DefaultReplayTolerance  = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultDispatchInterval = 5 * time.Second
	DefaultOutboxAttempts   = 8
	DefaultRateLimit        = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WebhookProvider:   getEnv("WEBHOOK_PROVIDER", DefaultWebhookProvider),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		ReplayTolerance:   getEnvDuration("REPLAY_TOLERANCE", DefaultReplayTolerance),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DispatchInterval:  getEnvDuration("DISPATCH_INTERVAL", DefaultDispatchInterval),
		OutboxMaxAttempts: int(getEnvInt64("OUTBOX_MAX_ATTEMPTS", DefaultOutboxAttempts)),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	switch c.WebhookProvider {
	case "stripe", "hmac":
	default:
		return fmt.Errorf("WEBHOOK_PROVIDER must be \"stripe\" or \"hmac\", got %q", c.WebhookProvider)
	}
	if c.ReplayTolerance <= 0 {
		return fmt.Errorf("REPLAY_TOLERANCE must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
