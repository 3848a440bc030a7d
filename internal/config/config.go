// Package config handles plate-spinner configuration loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
}

// DaemonConfig defines spinnerd settings. The daemon binds loopback
// only; Port is the single knob observers and hooks share.
type DaemonConfig struct {
	Port                int           `yaml:"port"`
	Database            string        `yaml:"database"`
	LogFile             string        `yaml:"log_file"`
	LogLevel            string        `yaml:"log_level"`
	SentryDSN           string        `yaml:"sentry_dsn"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// SummarizerConfig defines background summarization settings.
type SummarizerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Daemon: DaemonConfig{
			Port:                8787,
			Database:            filepath.Join(homeDir, ".local/share/plate-spinner/spinner.db"),
			LogFile:             filepath.Join(homeDir, ".local/share/plate-spinner/spinnerd.log"),
			LogLevel:            "info",
			HealthCheckInterval: 10 * time.Second,
		},
		Summarizer: SummarizerConfig{
			Enabled: true,
			Model:   "claude-3-5-haiku-latest",
			APIKey:  "${ANTHROPIC_API_KEY}",
		},
	}
}

// Load reads configuration from the default path, falling back to
// defaults when no config file exists.
func Load() (*Config, error) {
	configPath := DefaultConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.expandEnvVars()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	cfg.expandEnvVars()
	return cfg, nil
}

// DefaultConfigPath returns the configuration file path, honoring the
// PLATE_SPINNER_CONFIG override.
func DefaultConfigPath() string {
	if p := os.Getenv("PLATE_SPINNER_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/plate-spinner/config.yaml")
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Summarizer.APIKey = os.ExpandEnv(c.Summarizer.APIKey)
	c.Summarizer.BaseURL = os.ExpandEnv(c.Summarizer.BaseURL)
}

// SlogLevel parses the configured log level.
func (c *DaemonConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
