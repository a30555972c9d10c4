// Package config provides application configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults holds the values used when an environment variable is unset.
var Defaults = Config{
	Port:                      "8080",
	BudgetTotal:               300,
	BudgetWarningFraction:     0.75,
	SessionTTL:                24 * time.Hour,
	AnalysisTTL:               6 * time.Hour,
	HandoffMinCompletionRatio: 0.6,
	HandoffMinConfidence:      0.5,
	HandoffWarnConfidence:     0.7,
	HandoffAuto:               true,
	RateLimitRequests:         30,
	RateLimitWindow:           time.Minute,
	StoreDriver:               DriverSQLite,
	DBPath:                    "./data/adstudio.db",
	BoltPath:                  "./data/adstudio.bolt",
	GenerationBackend:         BackendSimulated,
	GenerationTimeout:         30 * time.Second,
	StoreTimeout:              5 * time.Second,
	MaxOutputTokens:           1024,
	PriceInputPer1K:           0.003,
	PriceOutputPer1K:          0.015,
	PurgeInterval:             10 * time.Minute,
}

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Generation backends.
const (
	BackendSimulated = "simulated"
	BackendGRPC      = "grpc"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	BudgetTotal           float64
	BudgetWarningFraction float64

	SessionTTL  time.Duration
	AnalysisTTL time.Duration

	HandoffMinCompletionRatio float64
	HandoffMinConfidence      float64
	HandoffWarnConfidence     float64
	HandoffAuto               bool

	RateLimitRequests int
	RateLimitWindow   time.Duration

	StoreDriver string
	DBPath      string
	BoltPath    string

	GenerationBackend string
	GenerationAddr    string
	AnthropicAPIKey   string
	AnthropicModel    string
	OpenAIAPIKey      string
	OpenAIModel       string
	GenerationTimeout time.Duration
	StoreTimeout      time.Duration
	MaxOutputTokens   int
	PriceInputPer1K   float64
	PriceOutputPer1K  float64

	TopicCatalogPath string
	PurgeInterval    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	d := Defaults
	cfg := &Config{
		Port:        getEnv("PORT", d.Port),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		BudgetTotal:           getEnvFloat("BUDGET_TOTAL_USD", d.BudgetTotal),
		BudgetWarningFraction: getEnvFloat("BUDGET_WARNING_FRACTION", d.BudgetWarningFraction),

		SessionTTL:  getEnvDuration("SESSION_TTL", d.SessionTTL),
		AnalysisTTL: getEnvDuration("ANALYSIS_TTL", d.AnalysisTTL),

		HandoffMinCompletionRatio: getEnvFloat("HANDOFF_MIN_COMPLETION_RATIO", d.HandoffMinCompletionRatio),
		HandoffMinConfidence:      getEnvFloat("HANDOFF_MIN_CONFIDENCE", d.HandoffMinConfidence),
		HandoffWarnConfidence:     getEnvFloat("HANDOFF_WARN_CONFIDENCE", d.HandoffWarnConfidence),
		HandoffAuto:               getEnvBool("HANDOFF_AUTO", d.HandoffAuto),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", d.RateLimitRequests),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", d.RateLimitWindow),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", d.StoreDriver)),
		DBPath:      getEnv("DB_PATH", d.DBPath),
		BoltPath:    getEnv("BOLT_PATH", d.BoltPath),

		GenerationBackend: strings.ToLower(getEnv("GENERATION_BACKEND", d.GenerationBackend)),
		GenerationAddr:    getEnv("GENERATION_ADDR", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    getEnv("ANTHROPIC_MODEL", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", ""),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", d.GenerationTimeout),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", d.StoreTimeout),
		MaxOutputTokens:   getEnvInt("MAX_OUTPUT_TOKENS", d.MaxOutputTokens),
		PriceInputPer1K:   getEnvFloat("PRICE_INPUT_PER_1K", d.PriceInputPer1K),
		PriceOutputPer1K:  getEnvFloat("PRICE_OUTPUT_PER_1K", d.PriceOutputPer1K),

		TopicCatalogPath: getEnv("TOPIC_CATALOG_PATH", ""),
		PurgeInterval:    getEnvDuration("PURGE_INTERVAL", d.PurgeInterval),
	}

	// Analysis snapshots never outlive their session.
	if cfg.AnalysisTTL > cfg.SessionTTL {
		cfg.AnalysisTTL = cfg.SessionTTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.BudgetTotal <= 0 {
		return fmt.Errorf("BUDGET_TOTAL_USD must be > 0")
	}
	if c.BudgetWarningFraction <= 0 || c.BudgetWarningFraction > 1 {
		return fmt.Errorf("BUDGET_WARNING_FRACTION must be in (0, 1]")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.AnalysisTTL <= 0 {
		return fmt.Errorf("ANALYSIS_TTL must be > 0")
	}
	if c.HandoffMinCompletionRatio < 0 || c.HandoffMinCompletionRatio > 1 {
		return fmt.Errorf("HANDOFF_MIN_COMPLETION_RATIO must be in [0, 1]")
	}
	if c.HandoffMinConfidence < 0 || c.HandoffMinConfidence > 1 {
		return fmt.Errorf("HANDOFF_MIN_CONFIDENCE must be in [0, 1]")
	}
	if c.HandoffWarnConfidence < c.HandoffMinConfidence || c.HandoffWarnConfidence > 1 {
		return fmt.Errorf("HANDOFF_WARN_CONFIDENCE must be in [HANDOFF_MIN_CONFIDENCE, 1]")
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS cannot be negative")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}

	switch c.StoreDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not one of sqlite, bolt", c.StoreDriver)
	}

	switch c.GenerationBackend {
	case BackendSimulated:
	case BackendGRPC:
		if c.GenerationAddr == "" {
			return fmt.Errorf("GENERATION_ADDR is required for the grpc backend")
		}
	case BackendAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic backend")
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
		}
	default:
		return fmt.Errorf("GENERATION_BACKEND %q is not one of simulated, grpc, anthropic, openai", c.GenerationBackend)
	}

	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("MAX_OUTPUT_TOKENS must be > 0")
	}
	if c.PriceInputPer1K < 0 || c.PriceOutputPer1K < 0 {
		return fmt.Errorf("PRICE_INPUT_PER_1K and PRICE_OUTPUT_PER_1K cannot be negative")
	}
	if c.PurgeInterval < 0 {
		return fmt.Errorf("PURGE_INTERVAL cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
