// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bakebot.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint: wss://rooms.bakebot.example
credential: secret-token
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Connection.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want default 5", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.ReconnectBaseDelay != time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want default 1s", cfg.Connection.ReconnectBaseDelay)
	}
	if cfg.Connection.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 10s", cfg.Connection.ConnectTimeout)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("Delivery.MaxAttempts = %d, want default 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Recovery.BreakerTimeout != 30*time.Second {
		t.Errorf("BreakerTimeout = %v, want default 30s", cfg.Recovery.BreakerTimeout)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint: wss://rooms.bakebot.example
credential: secret-token
connection:
  max_reconnect_attempts: 3
  reconnect_base_delay: 500ms
delivery:
  max_attempts: 7
  base_delay: 2s
  max_delay: 1m
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Connection.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 500ms", cfg.Connection.ReconnectBaseDelay)
	}
	if cfg.Delivery.MaxDelay != time.Minute {
		t.Errorf("Delivery.MaxDelay = %v, want 1m", cfg.Delivery.MaxDelay)
	}
}

func TestLoadFileRejectsMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `credential: secret-token`)
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Errorf("error = %v, want endpoint requirement", err)
	}
}

func TestLoadFileRejectsInvalidDelays(t *testing.T) {
	path := writeConfig(t, `
endpoint: wss://rooms.bakebot.example
credential: secret-token
delivery:
  base_delay: 1m
  max_delay: 1s
`)
	if _, err := LoadFile(path); err == nil {
		t.Error("LoadFile should reject base_delay > max_delay")
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("BAKEBOT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load without BAKEBOT_CONFIG should fail")
	}
}
