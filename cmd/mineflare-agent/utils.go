package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mineflare/agent/pkg/budget"
	"github.com/mineflare/agent/pkg/config"
	"github.com/mineflare/agent/pkg/registry"
	"github.com/mineflare/agent/pkg/result"
	"github.com/mineflare/agent/pkg/telemetry"
)

// loadConfig loads the configuration from file, auto-generating a default
// one if it does not yet exist.
func loadConfig() (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("config file not found, creating default configuration at: %s\n", configPath)
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildLogger builds a Logger from cfg, raising its level when --verbose
// was passed on the command line.
func buildLogger(cfg *config.Config) *telemetry.Logger {
	level := telemetry.Level(cfg.Logging.Level)
	if verbose {
		level = telemetry.LevelDebug
	}
	return telemetry.NewLogger(telemetry.Config{
		Level:  level,
		Format: telemetry.Format(cfg.Logging.Format),
		Output: os.Stdout,
	})
}

// parseArgValue interprets a single k=v value: booleans and numbers are
// recognized first, then any valid JSON literal, and finally the raw
// string is kept as-is.
func parseArgValue(raw string) interface{} {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// parseArgs turns repeated k=v flags into an argument map.
func parseArgs(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not in key=value form", pair)
		}
		out[key] = parseArgValue(raw)
	}
	return out, nil
}

// budgetOverrides converts the config's override list into the budget
// package's limit table.
func budgetOverrides(cfg *config.Config) map[result.Capability]budget.Limits {
	if len(cfg.Budget.Overrides) == 0 {
		return nil
	}
	overrides := make(map[result.Capability]budget.Limits, len(cfg.Budget.Overrides))
	for _, o := range cfg.Budget.Overrides {
		overrides[result.Capability(o.Capability)] = budget.Limits{
			PerMinute:     o.PerMinute,
			PerInvocation: o.PerInvocation,
		}
	}
	return overrides
}

// openRegistry loads config and builds the Registry, Logger, and Metrics
// every subcommand needs, rehydrating persisted programs from disk.
func openRegistry() (*registry.Registry, *config.Config, *telemetry.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := buildLogger(cfg)

	reg, err := registry.New(registry.Config{
		RootDir:         cfg.Registry.RootDir,
		HistoryLimit:    cfg.Registry.HistoryLimit,
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
		ValidateTimeout: cfg.Sandbox.ValidateTimeout,
		BudgetOverrides: budgetOverrides(cfg),
	}, logger, telemetry.NewMetrics())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return reg, cfg, logger, nil
}
