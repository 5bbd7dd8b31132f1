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

	// Payment provider (HostFi) settings
	WebhookSecret   string // Shared secret for inbound webhook HMAC verification
	ProviderName    string // Label recorded on provider-originated transactions
	DefaultCurrency string // Currency assigned to wallets when none is given

	// Engine tuning
	LockTimeout   time.Duration // Max wait for a wallet/booking lock
	SweepInterval time.Duration // Orphaned-hold sweep cadence
	RateLimitRPS  int

	// Security
	AdminSecret string // X-Admin-Secret header value for admin routes

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultProviderName  = "hostfi"
	DefaultCurrency      = "USDC"
	DefaultLockTimeout   = 5 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		ProviderName:    getEnv("PROVIDER_NAME", DefaultProviderName),
		DefaultCurrency: getEnv("DEFAULT_CURRENCY", DefaultCurrency),
		LockTimeout:     getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 characters")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
