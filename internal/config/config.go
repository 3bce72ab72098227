// Package config persists the solver installation cache and default launch
// preferences.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds everything remembered between sessions: where the solver
// executable lives, its release, and the launch defaults.
type Config struct {
	ExecPath string `yaml:"exec_path"`
	Version  string `yaml:"version"`

	Jobname  string `yaml:"jobname"`
	Procs    int    `yaml:"procs"`
	Switches string `yaml:"switches"`
}

// DefaultConfig returns the launch defaults used when nothing was saved
// yet.
func DefaultConfig() *Config {
	return &Config{
		Jobname: "file",
		Procs:   2,
	}
}

// Load reads the config at path. A missing file yields the defaults with
// no error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the config to path, creating the parent directory when
// needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
