// Package config loads the agent-context configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when flags are not set.
const (
	EnvConfig = "AGENT_CONTEXT_CONFIG"
	EnvDB     = "AGENT_CONTEXT_DB"
)

// Config holds the complete configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Context    ContextConfig    `yaml:"context"`
	Budget     BudgetConfig     `yaml:"budget"`
	Generation GenerationConfig `yaml:"generation"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retention  RetentionConfig  `yaml:"retention"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ContextConfig tunes the context state manager.
type ContextConfig struct {
	MaxItemsPerType    int           `yaml:"max_items_per_type"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	HydrateConcurrency int           `yaml:"hydrate_concurrency"`
}

// BudgetConfig tunes token accounting.
type BudgetConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	WarningRatio  float64 `yaml:"warning_ratio"`
	CriticalRatio float64 `yaml:"critical_ratio"`
}

// GenerationConfig selects the smart generator. Provider "local" disables
// it so every turn uses the template fallback.
type GenerationConfig struct {
	Provider    string        `yaml:"provider"` // "local", "openai", "ollama"
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Count       int           `yaml:"count"`
}

// EmbeddingConfig selects the embedding provider. An empty provider
// disables embeddings and search ranks by term overlap.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "", "openai", "ollama"
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Dims     int    `yaml:"dims"`
}

// RetentionConfig controls reaping of archived sessions.
type RetentionConfig struct {
	ArchivedDays int `yaml:"archived_days"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, or returns the defaults when path is empty. ${VAR}
// references are expanded before parsing.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Context.MaxItemsPerType == 0 {
		cfg.Context.MaxItemsPerType = 50
	}
	if cfg.Context.CacheTTL == 0 {
		cfg.Context.CacheTTL = 5 * time.Minute
	}
	if cfg.Context.HydrateConcurrency == 0 {
		cfg.Context.HydrateConcurrency = 8
	}
	if cfg.Budget.MaxTokens == 0 {
		cfg.Budget.MaxTokens = 4000
	}
	if cfg.Budget.WarningRatio == 0 {
		cfg.Budget.WarningRatio = 0.8
	}
	if cfg.Budget.CriticalRatio == 0 {
		cfg.Budget.CriticalRatio = 0.95
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "local"
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 30 * time.Second
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.7
	}
	if cfg.Generation.Count == 0 {
		cfg.Generation.Count = 5
	}
	if cfg.Retention.ArchivedDays == 0 {
		cfg.Retention.ArchivedDays = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Context.MaxItemsPerType < 0 {
		errs = append(errs, "context.max_items_per_type must be positive")
	}
	if c.Context.HydrateConcurrency < 0 {
		errs = append(errs, "context.hydrate_concurrency must be positive")
	}
	if c.Budget.MaxTokens < 0 {
		errs = append(errs, "budget.max_tokens must be positive")
	}
	if c.Budget.WarningRatio <= 0 || c.Budget.WarningRatio >= c.Budget.CriticalRatio || c.Budget.CriticalRatio > 1 {
		errs = append(errs, "budget ratios must satisfy 0 < warning_ratio < critical_ratio <= 1")
	}

	switch c.Generation.Provider {
	case "local", "ollama":
	case "openai":
		if c.Generation.APIKey == "" {
			errs = append(errs, "generation.api_key is required for the openai provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("generation.provider %q is not one of local, openai, ollama", c.Generation.Provider))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, "generation.temperature must be between 0 and 2")
	}
	if c.Generation.Timeout < 0 {
		errs = append(errs, "generation.timeout must be positive")
	}

	switch c.Embedding.Provider {
	case "", "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, "embedding.api_key is required for the openai provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("embedding.provider %q is not one of openai, ollama", c.Embedding.Provider))
	}

	if c.Retention.ArchivedDays < 0 {
		errs = append(errs, "retention.archived_days must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DBPath resolves the database path: the configured path, then
// $AGENT_CONTEXT_DB, then ~/.agent-context/context.db.
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	if env := os.Getenv(EnvDB); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-context", "context.db")
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}
