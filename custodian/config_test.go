package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Heartbeat.WarningDays != 14 || cfg.Heartbeat.CriticalDays != 21 || cfg.Heartbeat.TriggerDays != 30 {
		t.Error("Default ladder thresholds changed")
	}
	if cfg.Session.TimeoutMinutes != 30 {
		t.Errorf("Expected 30 minute session timeout, got %d", cfg.Session.TimeoutMinutes)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "no-such.yaml"))
	if err != nil {
		t.Fatalf("Missing config file should fall back to defaults: %v", err)
	}
	if cfg.NATS.Subject != "custody.alerts" {
		t.Errorf("Unexpected default subject %q", cfg.NATS.Subject)
	}
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /var/lib/memento
heartbeat:
  warning_days: 7
  critical_days: 10
  trigger_days: 14
  challenge_ttl_minutes: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DataDir != "/var/lib/memento" {
		t.Errorf("data_dir not applied: %q", cfg.DataDir)
	}
	if cfg.Heartbeat.TriggerDays != 14 {
		t.Errorf("trigger_days not applied: %d", cfg.Heartbeat.TriggerDays)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.TimeoutMinutes != 30 {
		t.Errorf("Session defaults lost: %d", cfg.Session.TimeoutMinutes)
	}
	if cfg.DatabasePath() != filepath.Join("/var/lib/memento", "custody.db") {
		t.Errorf("Unexpected database path %q", cfg.DatabasePath())
	}
}

func TestConfigValidateLadderOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heartbeat.CriticalDays = cfg.Heartbeat.WarningDays
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for critical <= warning")
	}

	cfg = DefaultConfig()
	cfg.Heartbeat.TriggerDays = cfg.Heartbeat.CriticalDays - 1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for trigger <= critical")
	}

	cfg = DefaultConfig()
	cfg.Session.TimeoutMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero session timeout")
	}
}
