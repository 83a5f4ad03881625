// Package config loads the vault daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the vault process configuration
type Config struct {
	// DevMode enables development mode (in-memory storage, no transport)
	DevMode bool `yaml:"dev_mode"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Session configuration
	Sessions SessionConfig `yaml:"sessions"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`
}

// SecurityConfig holds verification and panic settings
type SecurityConfig struct {
	// Mode is "online" or "offline"
	Mode string `yaml:"mode"`
	// CacheEnabled allows local phrase-hash caching in offline mode
	CacheEnabled bool `yaml:"cache_enabled"`
	// PanicPhrase triggers the full wipe when spoken or typed
	PanicPhrase string `yaml:"panic_phrase"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	MaxActive      int `yaml:"max_active"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRecoveryAge int `yaml:"max_recovery_age_seconds"`
}

// Timeout returns the session timeout as a duration.
func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RecoveryAge returns the maximum recovery age as a duration.
func (c SessionConfig) RecoveryAge() time.Duration {
	return time.Duration(c.MaxRecoveryAge) * time.Second
}

// StorageConfig holds persistence settings
type StorageConfig struct {
	// Path is the SQLite database file; empty means in-memory
	Path string `yaml:"path"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	RequestTimeout  int    `yaml:"request_timeout_ms"`
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Security: SecurityConfig{
			Mode:         "offline",
			CacheEnabled: true,
		},
		Sessions: SessionConfig{
			MaxActive:      3,
			TimeoutSeconds: 300,
			MaxRecoveryAge: 86400,
		},
		Storage: StorageConfig{
			Path: "vault.db",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ReconnectWait:  2000,
			MaxReconnects:  -1, // Unlimited
			RequestTimeout: 5000,
		},
	}
}
