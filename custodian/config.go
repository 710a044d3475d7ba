package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the custody daemon configuration
type Config struct {
	// DataDir holds the SQLite database and the vault identity file
	DataDir string `yaml:"data_dir"`

	// VaultRoot is the directory for encrypted content blobs
	VaultRoot string `yaml:"vault_root"`

	// Session custody settings
	Session SessionConfig `yaml:"session"`

	// Heartbeat dead-man's-switch settings
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`

	// NATS settings for alert dispatch (optional; alerts are logged
	// locally when no URL is configured)
	NATS NATSConfig `yaml:"nats"`
}

// SessionConfig holds session key custody settings
type SessionConfig struct {
	TimeoutMinutes       int `yaml:"timeout_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	RefreshTokenTTLHours int `yaml:"refresh_token_ttl_hours"`
}

// HeartbeatConfig holds the overdue ladder thresholds, in days since the
// last successful check-in
type HeartbeatConfig struct {
	WarningDays               int      `yaml:"warning_days"`
	CriticalDays              int      `yaml:"critical_days"`
	TriggerDays               int      `yaml:"trigger_days"`
	ChallengeTTLMinutes       int      `yaml:"challenge_ttl_minutes"`
	EscalationIntervalMinutes int      `yaml:"escalation_interval_minutes"`
	Recipients                []string `yaml:"recipients"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "data",
		VaultRoot: "data/vault",
		Session: SessionConfig{
			TimeoutMinutes:       30,
			SweepIntervalSeconds: 60,
			RefreshTokenTTLHours: 24 * 7,
		},
		Heartbeat: HeartbeatConfig{
			WarningDays:               14,
			CriticalDays:              21,
			TriggerDays:               30,
			ChallengeTTLMinutes:       15,
			EscalationIntervalMinutes: 60,
		},
		NATS: NATSConfig{
			Subject:       "custody.alerts",
			ReconnectWait: 2000,
			MaxReconnects: 60,
		},
	}
}

// LoadConfig loads configuration from a YAML file, merged over the
// defaults. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would leave the switch unable to
// escalate or sessions unable to expire.
func (c *Config) Validate() error {
	if c.Session.TimeoutMinutes <= 0 {
		return fmt.Errorf("session.timeout_minutes must be positive")
	}
	if c.Session.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("session.sweep_interval_seconds must be positive")
	}
	if c.Heartbeat.WarningDays <= 0 || c.Heartbeat.CriticalDays <= c.Heartbeat.WarningDays || c.Heartbeat.TriggerDays <= c.Heartbeat.CriticalDays {
		return fmt.Errorf("heartbeat thresholds must satisfy 0 < warning < critical < trigger")
	}
	if c.Heartbeat.ChallengeTTLMinutes <= 0 {
		return fmt.Errorf("heartbeat.challenge_ttl_minutes must be positive")
	}
	return nil
}

// DatabasePath returns the SQLite path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "custody.db")
}

// IdentityPath returns the vault identity file path.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "vault_identity.key")
}
