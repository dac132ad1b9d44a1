// Package config handles loading and validating configuration from environment
// variables and the detection YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the ShadowFlow engine.
type Config struct {
	// Polymarket data API (primary trade feed)
	DataAPIURL        string
	TradePollInterval time.Duration

	// Polymarket CLOB WebSocket (optional live feed)
	PolymarketWSURL string
	EnableWSFeed    bool
	MarketLimit     int

	// Detection cycle
	Lookback      time.Duration
	CycleInterval time.Duration

	// Alerting
	DiscordWebhookURL string
	NATSURL           string
	NATSSubject       string
	AlertMinInterval  time.Duration
	AlertBurst        int

	// Result sinks
	DBPath    string
	RedisAddr string

	// Metrics
	PrometheusPort int

	// Logging
	LogLevel string

	// DetectionPath is the YAML file Detection was read from.
	DetectionPath string
	Detection     Detection
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > YAML file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DataAPIURL:        getEnv("POLYMARKET_DATA_API_URL", "https://data-api.polymarket.com"),
		TradePollInterval: time.Duration(getEnvInt("TRADE_POLL_INTERVAL_SECONDS", 15)) * time.Second,

		PolymarketWSURL: getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/"),
		EnableWSFeed:    getEnvBool("ENABLE_WS_FEED", false),
		MarketLimit:     getEnvInt("MARKET_LIMIT", 100),

		Lookback:      time.Duration(getEnvInt("LOOKBACK_MINUTES", 60)) * time.Minute,
		CycleInterval: time.Duration(getEnvInt("CYCLE_INTERVAL_SECONDS", 60)) * time.Second,

		DiscordWebhookURL: getEnv("DISCORD_WEBHOOK_URL", ""),
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubject:       getEnv("NATS_SUBJECT", "shadowflow.alerts"),
		AlertMinInterval:  time.Duration(getEnvInt("ALERT_MIN_INTERVAL_SECONDS", 60)) * time.Second,
		AlertBurst:        getEnvInt("ALERT_BURST", 3),

		DBPath:    getEnv("DB_PATH", "./data/shadowflow.db"),
		RedisAddr: getEnv("REDIS_ADDR", ""),

		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),

		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DetectionPath: getEnv("DETECTION_CONFIG", "configs/detection.yaml"),
	}

	det, err := LoadDetection(cfg.DetectionPath)
	if err != nil {
		return nil, err
	}
	applyDetectionEnv(det)
	cfg.Detection = *det

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.DataAPIURL == "" && !c.EnableWSFeed {
		return &ConfigError{Field: "POLYMARKET_DATA_API_URL", Reason: "required unless ENABLE_WS_FEED is set"}
	}

	if c.EnableWSFeed && c.PolymarketWSURL == "" {
		return &ConfigError{Field: "POLYMARKET_WS_URL", Reason: "required when ENABLE_WS_FEED is set"}
	}

	if c.TradePollInterval <= 0 {
		return &ConfigError{Field: "TRADE_POLL_INTERVAL_SECONDS", Reason: "must be positive"}
	}

	if c.Lookback <= 0 {
		return &ConfigError{Field: "LOOKBACK_MINUTES", Reason: "must be positive"}
	}

	if c.CycleInterval <= 0 {
		return &ConfigError{Field: "CYCLE_INTERVAL_SECONDS", Reason: "must be positive"}
	}

	if c.AlertMinInterval < 0 || c.AlertBurst < 1 {
		return &ConfigError{Field: "ALERT_BURST", Reason: "alert rate limit needs a burst of at least 1 and a non-negative interval"}
	}

	if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
		return &ConfigError{Field: "PROMETHEUS_PORT", Reason: "must be between 1 and 65535"}
	}

	return c.Detection.Validate()
}

// MaskedDiscordWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedDiscordWebhook() string {
	return maskSecret(c.DiscordWebhookURL)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// applyDetectionEnv overrides detection keys that are also settable from the environment.
func applyDetectionEnv(d *Detection) {
	d.SyncThresholdSeconds = getEnvInt("SYNC_THRESHOLD_SECONDS", d.SyncThresholdSeconds)
	d.MinTradesPerCluster = getEnvInt("MIN_TRADES_PER_CLUSTER", d.MinTradesPerCluster)
	d.MinSamples = getEnvInt("MIN_SAMPLES", d.MinSamples)
	d.CoOccurrenceThreshold = getEnvInt("CO_OCCURRENCE_THRESHOLD", d.CoOccurrenceThreshold)
	d.ContaminationRate = getEnvFloat("CONTAMINATION_RATE", d.ContaminationRate)
	d.AnomalyModel = getEnv("ANOMALY_MODEL", d.AnomalyModel)
	d.CooldownSeconds = getEnvInt("COOLDOWN_SECONDS", d.CooldownSeconds)
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
