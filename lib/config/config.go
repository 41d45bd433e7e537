// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the realtime
// client.
//
// Configuration is loaded from a single YAML file specified by the
// BAKEBOT_CONFIG environment variable or a --config flag. There are no
// fallbacks or automatic discovery; this keeps client behavior
// deterministic and auditable, with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration.
type Config struct {
	// Endpoint is the room transport endpoint (signaling URL).
	Endpoint string `yaml:"endpoint"`

	// Credential is the room access token presented on connect.
	Credential string `yaml:"credential"`

	// Identity is the participant identity published to the room.
	Identity string `yaml:"identity"`

	// Connection tunes the connection manager.
	Connection ConnectionConfig `yaml:"connection"`

	// Delivery tunes the delivery queue.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Recovery tunes the error recovery engine.
	Recovery RecoveryConfig `yaml:"recovery"`

	// Paths configures durable state locations.
	Paths PathsConfig `yaml:"paths"`
}

// ConnectionConfig tunes the reconnection state machine.
type ConnectionConfig struct {
	// MaxReconnectAttempts bounds automatic reconnection. Exceeding
	// it parks the connection in the failed state until an explicit
	// new Connect. Default 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// ReconnectBaseDelay is the delay before the first reconnect
	// attempt; attempt n waits base * 2^(n-1). Default 1s.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// ConnectTimeout bounds a single transport connect. Default 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DeliveryConfig tunes per-message retry.
type DeliveryConfig struct {
	// MaxAttempts per message before it is marked permanently failed.
	// Default 5.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first retry delay; attempt n waits
	// base * multiplier^(n-1), jittered. Default 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the computed backoff. Default 30s.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// RecoveryConfig tunes the per-category circuit breakers.
type RecoveryConfig struct {
	// BreakerThreshold is the consecutive-failure count that opens a
	// category's breaker. Default 5.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerTimeout is how long an open breaker rejects before
	// allowing a half-open probe. Default 30s.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// PathsConfig configures where durable state lives.
type PathsConfig struct {
	// State is the directory for the delivery queue database and the
	// persisted error file. Created on first use.
	State string `yaml:"state"`
}

// Default returns the configuration defaults. Endpoint, Credential,
// and Identity have no defaults; the config file must supply them.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	return &Config{
		Connection: ConnectionConfig{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			ConnectTimeout:       10 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Recovery: RecoveryConfig{
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Paths: PathsConfig{
			State: filepath.Join(homeDirectory, ".local", "state", "bakebot"),
		},
	}
}

// Load reads the config file named by BAKEBOT_CONFIG. Fails when the
// variable is unset; there is no discovery fallback.
func Load() (*Config, error) {
	path := os.Getenv("BAKEBOT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("BAKEBOT_CONFIG environment variable not set; " +
			"set it to the path of your bakebot.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path, merging over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values the subsystem
// cannot operate with.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Credential == "" {
		return fmt.Errorf("credential is required")
	}
	if c.Connection.MaxReconnectAttempts < 1 {
		return fmt.Errorf("connection.max_reconnect_attempts must be at least 1")
	}
	if c.Connection.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("connection.reconnect_base_delay must be positive")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be positive")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Recovery.BreakerThreshold < 1 {
		return fmt.Errorf("recovery.breaker_threshold must be at least 1")
	}
	if c.Recovery.BreakerTimeout <= 0 {
		return fmt.Errorf("recovery.breaker_timeout must be positive")
	}
	return nil
}
