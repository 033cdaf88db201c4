// Package config loads the runtime's YAML configuration: defaults
// overlaid by an optional file, with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Budget   BudgetConfig   `yaml:"budget"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RegistryConfig controls where programs are persisted.
type RegistryConfig struct {
	RootDir      string `yaml:"root_dir"`
	HistoryLimit int    `yaml:"history_limit"`
}

// SandboxConfig controls sandbox defaults.
type SandboxConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	DefaultSeed     int64         `yaml:"default_seed"`
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
}

// BudgetOverride is one capability's quota override.
type BudgetOverride struct {
	Capability    string `yaml:"capability"`
	PerMinute     int    `yaml:"per_minute"`
	PerInvocation int    `yaml:"per_invocation"`
}

// BudgetConfig carries quota overrides on top of budget.DefaultLimits.
type BudgetConfig struct {
	Overrides []BudgetOverride `yaml:"overrides"`
}

// LoggingConfig controls the telemetry logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the runtime's baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			RootDir:      "./.mineflare/programs",
			HistoryLimit: 1000,
		},
		Sandbox: SandboxConfig{
			DefaultTimeout:  15 * time.Minute,
			DefaultSeed:     1,
			ValidateTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9095",
		},
	}
}

// Load reads path (defaulting to "config.yaml"), overlays it onto
// DefaultConfig, and expands environment variables in its contents.
// A missing file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes c to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Registry.RootDir == "" {
		return fmt.Errorf("registry.root_dir is required")
	}
	if c.Registry.HistoryLimit < 1 {
		return fmt.Errorf("registry.history_limit must be at least 1")
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	return nil
}
