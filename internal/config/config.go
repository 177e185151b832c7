// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Blockchain settings
	RPCURLs        []string // Candidate RPC endpoints, tried in health order
	ChainID        int64
	PrivateKey     string // Worker key, hex-encoded, with or without 0x prefix
	EscrowContract string

	// Pricing
	BasePrice    string // Price per etch in ETH (e.g. "0.002")
	QuoteTTL     time.Duration
	LockTTL      time.Duration
	MaxDataBytes int64

	// Orchestration
	RequestDeadline time.Duration // End-to-end ceiling for a fulfillment request

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
	RateLimitRPS int
}

// Defaults target a local anvil node; production overrides everything.
const (
	DefaultRPCURL       = "http://127.0.0.1:8545"
	DefaultChainID      = 31337
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultBasePrice    = "0.002"
	DefaultRateLimit    = 100
	DefaultQuoteTTL     = 5 * time.Minute
	DefaultLockTTL      = 5 * time.Minute
	DefaultDeadline     = 2 * time.Minute
	DefaultMaxDataBytes = 128 << 10 // 128 KiB of raw payload per etch
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
		RPCURLs:         splitList(getEnv("RPC_URLS", DefaultRPCURL)),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"),
		BasePrice:       getEnv("BASE_PRICE", DefaultBasePrice),
		QuoteTTL:        getEnvDuration("QUOTE_TTL", DefaultQuoteTTL),
		LockTTL:         getEnvDuration("LOCK_TTL", DefaultLockTTL),
		MaxDataBytes:    getEnvInt64("MAX_DATA_BYTES", DefaultMaxDataBytes),
		RequestDeadline: getEnvDuration("REQUEST_DEADLINE", DefaultDeadline),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URLS is required (comma-separated list)")
	}

	// The simulated backend needs no key or contract
	if !c.IsSimulated() {
		if c.PrivateKey == "" {
			return fmt.Errorf("PRIVATE_KEY is required")
		}

		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}

		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required")
		}
	}

	if c.QuoteTTL <= 0 || c.LockTTL <= 0 {
		return fmt.Errorf("QUOTE_TTL and LOCK_TTL must be positive durations")
	}

	if c.MaxDataBytes <= 0 {
		return fmt.Errorf("MAX_DATA_BYTES must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsSimulated reports whether the in-process simulated chain backend
// should be used instead of real RPC endpoints.
func (c *Config) IsSimulated() bool {
	return len(c.RPCURLs) == 1 && strings.EqualFold(c.RPCURLs[0], "simulated")
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
