package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	// Set required env vars
	setEnv(t, "AUTHORITY_ADDRESS", "0x1234567890123456789012345678901234567890")
	setEnv(t, "PORT", "9090")
	setEnv(t, "RETRY_INITIAL_DELAY", "3s")
	setEnv(t, "FRAUD_DENIED_CHAINS", "99999, 88888")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint64(5), cfg.CircuitFailureThreshold)
	assert.Equal(t, 3*time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, []uint64{99999, 88888}, cfg.FraudDeniedChains)
	assert.True(t, cfg.RecoveryAutoEnabled)
}

func TestLoad_MissingAuthority(t *testing.T) {
	setEnv(t, "AUTHORITY_ADDRESS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHORITY_ADDRESS is required")
}

func TestLoad_InvalidAuthorityLength(t *testing.T) {
	setEnv(t, "AUTHORITY_ADDRESS", "0xdeadbeef")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "40 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		AuthorityAddress:   "0x1234567890123456789012345678901234567890",
		RetryMaxAttempts:   5,
		FraudRiskThreshold: 750,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"missing authority", func(c *Config) { c.AuthorityAddress = "" }, "AUTHORITY_ADDRESS is required"},
		{"authority without prefix", func(c *Config) { c.AuthorityAddress = "1234567890123456789012345678901234567890" }, ""},
		{"short authority", func(c *Config) { c.AuthorityAddress = "abc123" }, "40 hex characters"},
		{"zero retry attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, "RETRY_MAX_ATTEMPTS"},
		{"risk threshold above scale", func(c *Config) { c.FraudRiskThreshold = 1500 }, "FRAUD_RISK_THRESHOLD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")

	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
