// Package config provides YAML configuration loading and validation for the
// reactorecho demo binary.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the reactorecho demo.
type Config struct {
	// Listen is the list of endpoint address strings the demo server binds,
	// e.g. "inet://127.0.0.1:8080" or "unix:///tmp/echo.sock". Required;
	// at least one entry must be present.
	Listen []string `yaml:"listen"`

	// Backlog is the listen(2) backlog passed to each endpoint. Defaults to
	// 128 when omitted.
	Backlog int `yaml:"backlog"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// PollQuantumMS bounds how long RunForever blocks between checks of the
	// stop flag, expressed in milliseconds. Defaults to 1000 when omitted.
	PollQuantumMS int `yaml:"poll_quantum_ms"`

	// MetricsAddr is the listen address for the Prometheus /metrics HTTP
	// endpoint (e.g. "127.0.0.1:9100"). Left empty to disable metrics.
	MetricsAddr string `yaml:"metrics_addr"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error joins
// every failure found, not only the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = 128
	}
	if cfg.PollQuantumMS == 0 {
		cfg.PollQuantumMS = 1000
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Listen) == 0 {
		errs = append(errs, errors.New("listen: at least one endpoint address is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Backlog < 0 {
		errs = append(errs, fmt.Errorf("backlog %d must be >= 0", cfg.Backlog))
	}
	if cfg.PollQuantumMS < 0 {
		errs = append(errs, fmt.Errorf("poll_quantum_ms %d must be >= 0", cfg.PollQuantumMS))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
