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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Authority settings
	AuthorityAddress string // 0x-prefixed TSS authority address; instructions must be signed by it
	AdminSecret      string // Admin API secret gating /v1/admin routes

	// Nonce persistence
	NonceDBPath string // LevelDB directory for the nonce store (optional, in-memory if not set)

	// Circuit breaker
	CircuitFailureThreshold uint64
	CircuitFailureWindow    time.Duration
	CircuitMinOpenDuration  time.Duration
	CircuitSuccessThreshold uint64
	CircuitHalfOpenLimit    uint64

	// Fraud detection
	FraudRiskThreshold    int64
	FraudVelocityLimit    int64
	FraudAnalysisWindow   time.Duration
	FraudMinReputation    int64
	FraudGeoRiskBasis     int64
	FraudDeniedChains     []uint64

	// Retry coordination
	RetryMaxAttempts   int
	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryMaxSessions   int
	RetryAdaptive      bool

	// Recovery
	RecoveryMaxSessions int
	RecoveryAutoEnabled bool
	RecoveryAggressive  bool

	// Checkpoints
	CheckpointInterval   time.Duration
	CheckpointValidation int64 // operations between validation runs

	// Rate limiting
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector endpoint (optional, tracing off if not set)
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", "text"),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AuthorityAddress: os.Getenv("AUTHORITY_ADDRESS"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		NonceDBPath:      os.Getenv("NONCE_DB_PATH"),

		CircuitFailureThreshold: uint64(getEnvInt64("CIRCUIT_FAILURE_THRESHOLD", 5)),
		CircuitFailureWindow:    getEnvDuration("CIRCUIT_FAILURE_WINDOW", 5*time.Minute),
		CircuitMinOpenDuration:  getEnvDuration("CIRCUIT_MIN_OPEN_DURATION", 10*time.Minute),
		CircuitSuccessThreshold: uint64(getEnvInt64("CIRCUIT_SUCCESS_THRESHOLD", 3)),
		CircuitHalfOpenLimit:    uint64(getEnvInt64("CIRCUIT_HALF_OPEN_LIMIT", 10)),

		FraudRiskThreshold:  getEnvInt64("FRAUD_RISK_THRESHOLD", 750),
		FraudVelocityLimit:  getEnvInt64("FRAUD_VELOCITY_LIMIT", 10),
		FraudAnalysisWindow: getEnvDuration("FRAUD_ANALYSIS_WINDOW", time.Hour),
		FraudMinReputation:  getEnvInt64("FRAUD_MIN_REPUTATION", 500),
		FraudGeoRiskBasis:   getEnvInt64("FRAUD_GEO_RISK_BASIS", 150),
		FraudDeniedChains:   getEnvChains("FRAUD_DENIED_CHAINS"),

		RetryMaxAttempts:  int(getEnvInt64("RETRY_MAX_ATTEMPTS", 5)),
		RetryInitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", 2*time.Second),
		RetryMaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
		RetryMaxSessions:  int(getEnvInt64("RETRY_MAX_SESSIONS", 20)),
		RetryAdaptive:     getEnvBool("RETRY_ADAPTIVE", true),

		RecoveryMaxSessions: int(getEnvInt64("RECOVERY_MAX_SESSIONS", 10)),
		RecoveryAutoEnabled: getEnvBool("RECOVERY_AUTO_ENABLED", true),
		RecoveryAggressive:  getEnvBool("RECOVERY_AGGRESSIVE", false),

		CheckpointInterval:   getEnvDuration("CHECKPOINT_INTERVAL", time.Hour),
		CheckpointValidation: getEnvInt64("CHECKPOINT_VALIDATION_FREQ", 1000),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AuthorityAddress == "" {
		return fmt.Errorf("AUTHORITY_ADDRESS is required")
	}

	// Allow both with and without 0x prefix
	addr := c.AuthorityAddress
	if len(addr) == 42 && addr[:2] == "0x" {
		addr = addr[2:]
	}
	if len(addr) != 40 {
		return fmt.Errorf("AUTHORITY_ADDRESS must be 40 hex characters (with or without 0x prefix)")
	}

	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.FraudRiskThreshold < 0 || c.FraudRiskThreshold > 1000 {
		return fmt.Errorf("FRAUD_RISK_THRESHOLD must be in [0, 1000]")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

// getEnvChains parses a comma-separated list of chain ids.
func getEnvChains(key string) []uint64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var chains []uint64
	for _, part := range strings.Split(value, ",") {
		if id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64); err == nil {
			chains = append(chains, id)
		}
	}
	return chains
}
