// Package config loads the client core configuration: defaults first, then
// an optional YAML overlay.
package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/meridian-im/meridian-core/signaling"
)

// Config holds the client core configuration
type Config struct {
	// UserID is the local account identifier
	UserID string `yaml:"user_id"`

	// Signaling transport configuration
	NATS signaling.NATSConfig `yaml:"nats"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Sync engine configuration
	Sync SyncConfig `yaml:"sync"`

	// Call configuration
	Call CallConfig `yaml:"call"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// StorageConfig holds local durable store settings
type StorageConfig struct {
	// Path of the SQLite database file
	Path string `yaml:"path"`
	// FallbackPath is the JSON journal used when SQLite cannot open.
	// Empty disables the degraded fallback.
	FallbackPath string `yaml:"fallback_path"`
}

// SyncConfig holds sync engine settings
type SyncConfig struct {
	PageSize     int `yaml:"page_size"`
	KeyCacheSize int `yaml:"key_cache_size"`
}

// CallConfig holds call signaling settings
type CallConfig struct {
	RingTimeoutSecs    int     `yaml:"ring_timeout_seconds"`
	AmplitudeThreshold float64 `yaml:"amplitude_threshold"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// LoadConfig loads configuration from a YAML file, starting from defaults.
// A missing file yields the defaults.
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
		NATS: signaling.NATSConfig{
			URL:            "nats://localhost:4222",
			ReconnectWait:  2000,
			MaxReconnects:  -1, // Unlimited
			RequestTimeout: 5000,
		},
		Storage: StorageConfig{
			Path:         "meridian.db",
			FallbackPath: "meridian-fallback.json",
		},
		Sync: SyncConfig{
			PageSize:     50,
			KeyCacheSize: 128,
		},
		Call: CallConfig{
			RingTimeoutSecs:    45,
			AmplitudeThreshold: 0.1,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(cfg LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
