// Package config handles Concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Concierge configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	Database    DatabaseConfig  `yaml:"database"`
	Providers   ProvidersConfig `yaml:"providers"`
	Models      ModelsConfig    `yaml:"models"`
	PersonasDir string          `yaml:"personas_dir"`
	Pricing     PricingConfig   `yaml:"pricing"`
	Turn        TurnConfig      `yaml:"turn"`
	Redis       RedisConfig     `yaml:"redis"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing"`
	Directory   DirectoryConfig `yaml:"directory"`
	LogLevel    string          `yaml:"log_level"`
	LogFormat   string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQL backend for sessions, messages and
// the llm_requests ledger.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`
}

// ProvidersConfig holds credentials for each model provider.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines an OpenAI-compatible endpoint. BaseURL may point
// at OpenAI itself or at a router such as OpenRouter that reports cost
// inline.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether the provider has enough settings to be used.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != "" || c.BaseURL != ""
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig routes a model name to a provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic, openai
}

// PricingConfig defines where model prices come from. Entries listed
// inline are merged over the file, so a deployment can pin a price
// without editing the shared table.
type PricingConfig struct {
	File            string                  `yaml:"file"`
	RefreshInterval time.Duration           `yaml:"refresh_interval"`
	Models          map[string]PricingEntry `yaml:"models"`
}

// PricingEntry is the per-million-token price of one model, written as
// decimal strings so no precision is lost to float parsing.
type PricingEntry struct {
	InputPerMillion  string `yaml:"input_per_million"`
	OutputPerMillion string `yaml:"output_per_million"`
}

// TurnConfig bounds the work a single user turn may do.
type TurnConfig struct {
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

// RedisConfig enables the cross-process session lock. Empty Addr keeps
// session serialization in-process.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// MQTTConfig enables ledger event publishing. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// DirectoryConfig points the directory search tool at its backend.
// Empty BaseURL leaves the tool unregistered.
type DirectoryConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "concierge.db"
	}
	if c.Turn.MaxToolRounds == 0 {
		c.Turn.MaxToolRounds = 8
	}
	if c.Turn.RetryBackoff == 0 {
		c.Turn.RetryBackoff = 500 * time.Millisecond
	}
	if c.Turn.DrainTimeout == 0 {
		c.Turn.DrainTimeout = 30 * time.Second
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 5 * time.Minute
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "concierge"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q (valid: sqlite3, postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if c.Turn.MaxToolRounds < 1 {
		return fmt.Errorf("turn.max_tool_rounds must be positive, got %d", c.Turn.MaxToolRounds)
	}
	if c.Turn.RetryBackoff < 0 || c.Turn.DrainTimeout < 0 {
		return fmt.Errorf("turn durations must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1], got %v", c.Tracing.SampleRate)
	}
	for model, e := range c.Pricing.Models {
		if _, err := decimal.NewFromString(e.InputPerMillion); err != nil {
			return fmt.Errorf("pricing.models[%s].input_per_million: %w", model, err)
		}
		if _, err := decimal.NewFromString(e.OutputPerMillion); err != nil {
			return fmt.Errorf("pricing.models[%s].output_per_million: %w", model, err)
		}
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("model %s: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}
