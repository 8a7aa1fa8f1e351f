package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all static configuration for the gateway. Tunable economic
// parameters (trial credits, multipliers, spend caps) live in the store's
// credit_config table and are loaded per request; see the ledger package.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Abuse     AbuseConfig     `mapstructure:"abuse"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Env          string `mapstructure:"env"`
	AppWebOrigin string `mapstructure:"app_web_origin"`
}

// DatabaseConfig holds the relational store configuration. An empty URL
// selects the in-memory store (local development and tests).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// CacheConfig holds cache-related configuration
type CacheConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// ProvidersConfig holds upstream vendor API keys. A missing key simply
// leaves that adapter unregistered.
type ProvidersConfig struct {
	OpenAIAPIKey     string `mapstructure:"openai_api_key"`
	AnthropicAPIKey  string `mapstructure:"anthropic_api_key"`
	GoogleAPIKey     string `mapstructure:"google_api_key"`
	XAIAPIKey        string `mapstructure:"xai_api_key"`
	MistralAPIKey    string `mapstructure:"mistral_api_key"`
	DeepSeekAPIKey   string `mapstructure:"deepseek_api_key"`
	OpenRouterAPIKey string `mapstructure:"openrouter_api_key"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AnalyticsConfig holds the shadow-analysis collaborator endpoint. An empty
// URL disables emission.
type AnalyticsConfig struct {
	ShadowURL string        `mapstructure:"shadow_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// AbuseConfig holds abuse-detection thresholds. These are heuristic values
// inherited from the original deployment, not hard security guarantees.
type AbuseConfig struct {
	LookbackWindow      time.Duration `mapstructure:"lookback_window"`
	MinRateWindows      int           `mapstructure:"min_rate_windows"`
	RateBurstMultiplier int           `mapstructure:"rate_burst_multiplier"`
	MinSessions         int           `mapstructure:"min_sessions"`
	MinFingerprints     int           `mapstructure:"min_fingerprints"`
	SampleEveryN        int           `mapstructure:"sample_every_n"`
}

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	// Load .env file if present (ignore errors if file doesn't exist)
	_ = gotenv.Load()

	// Set default values first
	setDefaults()

	// Configure Viper to read environment variables
	viper.AutomaticEnv()

	// Map environment variables to config structure
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind environment variables to config fields
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// bindEnvVars binds environment variables to config fields
func bindEnvVars() {
	// Server config
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.env", "ENV")
	viper.BindEnv("server.app_web_origin", "APP_WEB_ORIGIN")

	// Database config
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")

	// Cache config
	viper.BindEnv("cache.default_expiration", "CACHE_DEFAULT_EXPIRATION")
	viper.BindEnv("cache.cleanup_interval", "CACHE_CLEANUP_INTERVAL")

	// Provider config
	viper.BindEnv("providers.openai_api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.anthropic_api_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.google_api_key", "GOOGLE_API_KEY")
	viper.BindEnv("providers.xai_api_key", "XAI_API_KEY")
	viper.BindEnv("providers.mistral_api_key", "MISTRAL_API_KEY")
	viper.BindEnv("providers.deepseek_api_key", "DEEPSEEK_API_KEY")
	viper.BindEnv("providers.openrouter_api_key", "OPENROUTER_API_KEY")

	// Logging config
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// Analytics config
	viper.BindEnv("analytics.shadow_url", "SHADOW_ANALYZE_URL")
	viper.BindEnv("analytics.timeout", "SHADOW_ANALYZE_TIMEOUT")

	// Abuse detection thresholds
	viper.BindEnv("abuse.lookback_window", "ABUSE_LOOKBACK_WINDOW")
	viper.BindEnv("abuse.min_rate_windows", "ABUSE_MIN_RATE_WINDOWS")
	viper.BindEnv("abuse.rate_burst_multiplier", "ABUSE_RATE_BURST_MULTIPLIER")
	viper.BindEnv("abuse.min_sessions", "ABUSE_MIN_SESSIONS")
	viper.BindEnv("abuse.min_fingerprints", "ABUSE_MIN_FINGERPRINTS")
	viper.BindEnv("abuse.sample_every_n", "ABUSE_SAMPLE_EVERY_N")
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("ENV", "development")

	// Database defaults
	viper.SetDefault("DATABASE_MAX_CONNS", "8")
	viper.SetDefault("APP_WEB_ORIGIN", "https://modelmix.app")

	// Cache defaults (credit-config snapshot freshness)
	viper.SetDefault("CACHE_DEFAULT_EXPIRATION", "30s")
	viper.SetDefault("CACHE_CLEANUP_INTERVAL", "1m")

	// Logging defaults
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Analytics defaults
	viper.SetDefault("SHADOW_ANALYZE_TIMEOUT", "5s")

	// Abuse detection defaults (inherited heuristics)
	viper.SetDefault("ABUSE_LOOKBACK_WINDOW", "5m")
	viper.SetDefault("ABUSE_MIN_RATE_WINDOWS", "3")
	viper.SetDefault("ABUSE_RATE_BURST_MULTIPLIER", "3")
	viper.SetDefault("ABUSE_MIN_SESSIONS", "5")
	viper.SetDefault("ABUSE_MIN_FINGERPRINTS", "3")
	viper.SetDefault("ABUSE_SAMPLE_EVERY_N", "1")
}

// validateConfig validates that the configuration is internally consistent.
// Provider keys are optional individually, but at least one must be set or
// every request would fail with a routing error.
func validateConfig(config *Config) error {
	keys := []string{
		config.Providers.OpenAIAPIKey,
		config.Providers.AnthropicAPIKey,
		config.Providers.GoogleAPIKey,
		config.Providers.XAIAPIKey,
		config.Providers.MistralAPIKey,
		config.Providers.DeepSeekAPIKey,
		config.Providers.OpenRouterAPIKey,
	}
	anyKey := false
	for _, k := range keys {
		if k != "" {
			anyKey = true
			break
		}
	}
	if !anyKey {
		return fmt.Errorf("no provider API keys configured; set at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, XAI_API_KEY, MISTRAL_API_KEY, DEEPSEEK_API_KEY, OPENROUTER_API_KEY")
	}

	if config.Abuse.SampleEveryN < 1 {
		return fmt.Errorf("ABUSE_SAMPLE_EVERY_N must be >= 1")
	}

	return nil
}

// GetPort returns the server port as a string
func (c *Config) GetPort() string {
	return strconv.Itoa(c.Server.Port)
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
