// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxdispatch/dispatch"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch daemon.
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Balancer   BalancerConfig   `yaml:"balancer"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Workload   WorkloadConfig   `yaml:"workload"`
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Label              string        `yaml:"label"`
	Threads            int           `yaml:"threads"` // 0 means one per CPU
	LockOSThread       bool          `yaml:"lock_os_thread"`
	TimerSpinThreshold time.Duration `yaml:"timer_spin_threshold"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// BalancerConfig controls context migration between workers.
type BalancerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval"` // 0 disables the periodic pass
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// WorkloadConfig drives the built-in ping-pong workload.
type WorkloadConfig struct {
	Pairs    int     `yaml:"pairs"`
	Messages int     `yaml:"messages"` // per pair
	Rate     float64 `yaml:"rate"`     // messages per second, 0 = unlimited
	Burst    int     `yaml:"burst"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Label:              "dispatcher",
			Threads:            0,
			TimerSpinThreshold: 100 * time.Microsecond,
			ShutdownTimeout:    30 * time.Second,
		},
		Balancer: BalancerConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:  false,
			TracesEnabled:   false,
			OTLPEndpoint:    "localhost:4317",
			ServiceName:     "fluxdispatch",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
		Workload: WorkloadConfig{
			Pairs:    4,
			Messages: 10000,
			Rate:     0,
			Burst:    100,
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
	if c.Dispatcher.Label == "" {
		return fmt.Errorf("dispatcher.label cannot be empty")
	}
	if c.Dispatcher.Threads < 0 {
		return fmt.Errorf("dispatcher.threads cannot be negative")
	}
	if c.Dispatcher.TimerSpinThreshold < 0 || c.Dispatcher.TimerSpinThreshold > 10*time.Millisecond {
		return fmt.Errorf("dispatcher.timer_spin_threshold must be between 0 and 10ms")
	}
	if c.Dispatcher.ShutdownTimeout < time.Second {
		return fmt.Errorf("dispatcher.shutdown_timeout must be at least 1 second")
	}

	if c.Balancer.RebalanceInterval < 0 {
		return fmt.Errorf("balancer.rebalance_interval cannot be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry enabled")
		}
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint cannot be empty when telemetry enabled")
		}
	}
	if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}

	if c.Workload.Pairs < 0 {
		return fmt.Errorf("workload.pairs cannot be negative")
	}
	if c.Workload.Messages < 0 {
		return fmt.Errorf("workload.messages cannot be negative")
	}
	if c.Workload.Rate < 0 {
		return fmt.Errorf("workload.rate cannot be negative")
	}
	if c.Workload.Rate > 0 && c.Workload.Burst < 1 {
		return fmt.Errorf("workload.burst must be at least 1 when rate is set")
	}

	return nil
}

// ToDispatch returns the in-process dispatcher configuration.
func (c *Config) ToDispatch() dispatch.Config {
	return dispatch.Config{
		Label:              c.Dispatcher.Label,
		Threads:            c.Dispatcher.Threads,
		LockOSThread:       c.Dispatcher.LockOSThread,
		TimerSpinThreshold: c.Dispatcher.TimerSpinThreshold,
		RebalanceInterval:  c.Balancer.RebalanceInterval,
	}
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
