package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "BUDGET_TOTAL_USD", "BUDGET_WARNING_FRACTION", "SESSION_TTL", "ANALYSIS_TTL",
		"HANDOFF_AUTO", "RATE_LIMIT_REQUESTS", "RATE_LIMIT_WINDOW", "STORE_DRIVER",
		"GENERATION_BACKEND", "MAX_OUTPUT_TOKENS", "PURGE_INTERVAL",
	} {
		t.Setenv(key, "")
	}
	// Empty values parse as invalid and fall back, except the string keys.
	t.Setenv("PORT", "8080")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("GENERATION_BACKEND", "simulated")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300.0, cfg.BudgetTotal)
	assert.Equal(t, 0.75, cfg.BudgetWarningFraction)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 6*time.Hour, cfg.AnalysisTTL)
	assert.True(t, cfg.HandoffAuto)
	assert.Equal(t, 30, cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 1024, cfg.MaxOutputTokens)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BUDGET_TOTAL_USD", "50")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("ANALYSIS_TTL", "5h")
	t.Setenv("HANDOFF_AUTO", "off")
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("BOLT_PATH", "/tmp/x.bolt")
	t.Setenv("GENERATION_BACKEND", "grpc")
	t.Setenv("GENERATION_ADDR", "localhost:9090")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50.0, cfg.BudgetTotal)
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 2*time.Hour, cfg.AnalysisTTL, "analysis ttl is clamped to the session ttl")
	assert.False(t, cfg.HandoffAuto)
	assert.Equal(t, DriverBolt, cfg.StoreDriver)
	assert.Equal(t, BackendGRPC, cfg.GenerationBackend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"zero budget", func(c *Config) { c.BudgetTotal = 0 }, "BUDGET_TOTAL_USD"},
		{"warning above one", func(c *Config) { c.BudgetWarningFraction = 1.5 }, "BUDGET_WARNING_FRACTION"},
		{"warn below min confidence", func(c *Config) { c.HandoffWarnConfidence = 0.4 }, "HANDOFF_WARN_CONFIDENCE"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "postgres" }, "STORE_DRIVER"},
		{"grpc without addr", func(c *Config) { c.GenerationBackend = BackendGRPC }, "GENERATION_ADDR"},
		{"anthropic without key", func(c *Config) { c.GenerationBackend = BackendAnthropic }, "ANTHROPIC_API_KEY"},
		{"openai without key", func(c *Config) { c.GenerationBackend = BackendOpenAI }, "OPENAI_API_KEY"},
		{"unknown backend", func(c *Config) { c.GenerationBackend = "llama" }, "GENERATION_BACKEND"},
		{"negative purge", func(c *Config) { c.PurgeInterval = -time.Second }, "PURGE_INTERVAL"},
		{"rate limit disabled", func(c *Config) { c.RateLimitRequests = 0; c.RateLimitWindow = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestGetEnvFloatRejectsNaN(t *testing.T) {
	t.Setenv("PRICE_INPUT_PER_1K", "NaN")
	assert.Equal(t, 1.5, getEnvFloat("PRICE_INPUT_PER_1K", 1.5))
}

func TestAllowedOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, (&Config{}).AllowedOrigins())
	assert.Equal(t, []string{"https://ads.example.com"},
		(&Config{FrontendURL: "https://ads.example.com/"}).AllowedOrigins())
}
