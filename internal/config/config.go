// Package config holds the on-disk configuration and the environment
// secrets of the agent. The YAML file carries non-secret settings;
// API keys only ever come from the environment (or a .env file loaded by
// the entrypoint).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for consulta-agent.
type Config struct {
	// BackendBaseURL is the records backend (facturas/ventas API).
	BackendBaseURL string `yaml:"backend_base_url"`

	// ListenAddr is the HTTP bind address for serve mode, e.g. "127.0.0.1:8600".
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// StateDir holds the session database and the audit trail.
	// If empty, ~/.consulta-agent is used.
	StateDir string `yaml:"state_dir,omitempty"`

	OpenAIModel    string `yaml:"openai_model,omitempty"`
	AnthropicModel string `yaml:"anthropic_model,omitempty"`

	// WebSearchProvider is "brave" or empty to disable web lookups.
	WebSearchProvider string `yaml:"web_search_provider,omitempty"`

	// MaxIterations caps the reasoning loop. 0 means the default.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// Secrets are read from the environment, never from the config file.
type Secrets struct {
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	BraveAPIKey     string `envconfig:"BRAVE_API_KEY"`
}

func LoadSecrets() (Secrets, error) {
	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return Secrets{}, fmt.Errorf("read environment: %w", err)
	}
	return s, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return errors.New("missing backend_base_url")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.WebSearchProvider)) {
	case "", "brave":
	default:
		return fmt.Errorf("unknown web_search_provider: %s", c.WebSearchProvider)
	}
	if c.MaxIterations < 0 {
		return errors.New("max_iterations must be >= 0")
	}
	return nil
}

// ResolvedStateDir applies the home-directory default.
func (c *Config) ResolvedStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return strings.TrimSpace(c.StateDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".consulta-agent"
	}
	return filepath.Join(home, ".consulta-agent")
}

// DefaultConfigPath returns the default config path:
//
//	~/.consulta-agent/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "consulta-agent.config.yaml"
	}
	return filepath.Join(home, ".consulta-agent", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// NewLogger builds the process logger from the config values.
func NewLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
