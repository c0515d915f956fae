// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/synopticon/distribution/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the distribution service.
type Config struct {
	Log          LogConfig                 `yaml:"log"`
	Distribution DistributionConfig        `yaml:"distribution"`
	Distributors map[string]map[string]any `yaml:"distributors"`
	Sessions     []SessionConfig           `yaml:"sessions"`
	Health       HealthConfig              `yaml:"health"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DistributionConfig holds distribution manager settings shared by every
// session.
type DistributionConfig struct {
	RetryAttempts       int              `yaml:"retry_attempts"`
	RetryDelay          time.Duration    `yaml:"retry_delay"` // attempt n waits retry_delay × n
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
	RateLimit           ratelimit.Config `yaml:"rate_limit"`
}

// SessionConfig describes a session created at startup.
type SessionConfig struct {
	ID           string                    `yaml:"id"`
	Distributors map[string]map[string]any `yaml:"distributors"` // type -> distributor config
	EventRouting map[string][]string       `yaml:"event_routing"` // event -> distributor types
}

// HealthConfig holds the health endpoint configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Distribution: DistributionConfig{
			RetryAttempts:       3,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			RateLimit:           ratelimit.DefaultConfig(),
		},
		Distributors: map[string]map[string]any{},
		Sessions:     []SessionConfig{},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8090",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "synopticon-distribution",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,   // 10% sampling when enabled
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Distribution.RetryAttempts < 1 {
		return fmt.Errorf("distribution.retry_attempts must be at least 1")
	}
	if c.Distribution.RetryDelay < 0 {
		return fmt.Errorf("distribution.retry_delay cannot be negative")
	}
	if c.Distribution.HealthCheckInterval < time.Second {
		return fmt.Errorf("distribution.health_check_interval must be at least 1 second")
	}
	if rl := c.Distribution.RateLimit; rl.Enabled {
		if rl.PerSecond <= 0 {
			return fmt.Errorf("distribution.rate_limit.per_second must be positive")
		}
		if rl.Burst < 1 {
			return fmt.Errorf("distribution.rate_limit.burst must be at least 1")
		}
	}

	seen := make(map[string]bool, len(c.Sessions))
	for i, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("sessions[%d].id cannot be empty", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("sessions[%d].id %q is duplicated", i, s.ID)
		}
		seen[s.ID] = true
		if len(s.Distributors) == 0 {
			return fmt.Errorf("sessions[%d].distributors cannot be empty", i)
		}
		for event, types := range s.EventRouting {
			for _, t := range types {
				if _, ok := s.Distributors[t]; !ok {
					return fmt.Errorf("sessions[%d].event_routing.%s references unconfigured distributor %q", i, event, t)
				}
			}
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr cannot be empty when health is enabled")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
