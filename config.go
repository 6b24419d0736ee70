package stockify

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultQuotaWindow is used for models that set a ceiling without a window.
const DefaultQuotaWindow = 24 * time.Hour

// Config is the top-level pipeline configuration.
type Config struct {
	DefaultModel string        `yaml:"default_model"`
	Concurrency  int           `yaml:"concurrency"`
	Retention    time.Duration `yaml:"retention"`
	Models       []ModelConfig `yaml:"models"`
	Retry        RetryConfig   `yaml:"retry"`
	Ledger       LedgerConfig  `yaml:"ledger"`
	Gemini       GeminiConfig  `yaml:"gemini"`
	Server       ServerConfig  `yaml:"server"`
}

// ModelConfig is one entry of the model catalog.
type ModelConfig struct {
	ID                string        `yaml:"id"`
	DailyCeiling      int64         `yaml:"daily_ceiling"`
	Window            time.Duration `yaml:"window"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	RequestsPerMinute float64       `yaml:"requests_per_minute"`
	Burst             int           `yaml:"burst"`
	Fallback          []string      `yaml:"fallback"`
}

// Rate returns the refill rate in tokens per second.
func (m ModelConfig) Rate() float64 {
	if m.RatePerSecond > 0 {
		return m.RatePerSecond
	}
	return m.RequestsPerMinute / 60
}

// QuotaWindow returns the window length, defaulting to DefaultQuotaWindow.
func (m ModelConfig) QuotaWindow() time.Duration {
	if m.Window > 0 {
		return m.Window
	}
	return DefaultQuotaWindow
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// LedgerConfig selects the quota ledger backend.
type LedgerConfig struct {
	Backend     string `yaml:"backend"` // memory (default), redis, postgres
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// GeminiConfig configures the Gemini inference client.
type GeminiConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	MaxEdge        int    `yaml:"max_edge"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("stockify: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("stockify: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Model returns the catalog entry for id.
func (c Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("stockify: config: at least one model is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("stockify: config: concurrency must not be negative")
	}

	ids := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("stockify: config: models[%d]: id is required", i)
		}
		if ids[m.ID] {
			return fmt.Errorf("stockify: config: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true

		if m.DailyCeiling < 0 {
			return fmt.Errorf("stockify: config: models[%d] (%s): daily_ceiling must not be negative", i, m.ID)
		}
		if m.Window < 0 {
			return fmt.Errorf("stockify: config: models[%d] (%s): window must not be negative", i, m.ID)
		}
		if m.RatePerSecond < 0 || m.RequestsPerMinute < 0 || m.Burst < 0 {
			return fmt.Errorf("stockify: config: models[%d] (%s): rate limits must not be negative", i, m.ID)
		}
	}

	for i, m := range c.Models {
		for _, fb := range m.Fallback {
			if fb == m.ID {
				return fmt.Errorf("stockify: config: models[%d] (%s): model cannot fall back to itself", i, m.ID)
			}
			if !ids[fb] {
				return fmt.Errorf("stockify: config: models[%d] (%s): unknown fallback model %q", i, m.ID, fb)
			}
		}
	}

	if c.DefaultModel != "" && !ids[c.DefaultModel] {
		return fmt.Errorf("stockify: config: default_model %q is not in the catalog", c.DefaultModel)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("stockify: config: retry.max_attempts must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("stockify: config: retry.jitter must be within [0, 1]")
	}

	switch c.Ledger.Backend {
	case "", "memory":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("stockify: config: ledger.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("stockify: config: ledger.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("stockify: config: invalid ledger.backend %q", c.Ledger.Backend)
	}

	return nil
}
