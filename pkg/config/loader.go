package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates and returns ready-to-use
// configuration. A missing YAML file is not an error: the built-in defaults
// (with env expansion applied to nothing) are used as-is.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"data_queues", cfg.Consumer.DataQueueCount,
		"events_exchange", cfg.Events.ExchangeName,
		"database_nodes", len(cfg.Database.Nodes))
	return cfg, nil
}

// load reads the YAML file, expands environment variables and merges the
// result over the built-in defaults.
func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Configuration file not found, using built-in defaults", "path", path)
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(ExpandEnv(data), &loaded); err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	// Loaded values override defaults; unset fields keep the default.
	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}
	return cfg, nil
}
