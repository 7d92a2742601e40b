// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete duratask configuration.
type Config struct {
	Service       ServiceConfig `yaml:"service"`
	WorkspacesDir string        `yaml:"workspaces_dir"`
	RegistryPath  string        `yaml:"registry_path"`
	LockPath      string        `yaml:"lock_path,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`
}

// Default returns the configuration used when no file is provided.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel: "INFO",
			Listen:   "127.0.0.1:7677",
		},
		WorkspacesDir: "data/workspaces",
		RegistryPath:  "data/duratask.db",
		LockPath:      "data/duratask.pid",
	}
}

// Load reads and parses configuration from a file, applying defaults for
// anything left unset.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = def.Service.Listen
	}
	if cfg.WorkspacesDir == "" {
		cfg.WorkspacesDir = def.WorkspacesDir
	}
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = def.RegistryPath
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
}

// Validate checks the configuration for fields that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Service.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("service.log_level %q is not one of DEBUG, INFO, WARN, ERROR", c.Service.LogLevel)
	}
	if strings.TrimSpace(c.WorkspacesDir) == "" {
		return fmt.Errorf("workspaces_dir is empty")
	}
	if strings.TrimSpace(c.RegistryPath) == "" {
		return fmt.Errorf("registry_path is empty")
	}
	return nil
}
