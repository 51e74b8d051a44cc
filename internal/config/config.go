// Package config loads engine configuration from YAML, the way
// declarative_alerting.go loads alert definitions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Archive ArchiveConfig `yaml:"archive,omitempty"`
}

// DeviceConfig names this node.
type DeviceConfig struct {
	Name string `yaml:"name"`
}

// StorageConfig points at the embedded database file.
type StorageConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode,omitempty"`
	BusyTimeout int    `yaml:"busy_timeout_ms,omitempty"`
}

// SyncConfig tunes the sync loop.
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	Transport      string        `yaml:"transport"` // "websocket" | "filedrop"
	Endpoint       string        `yaml:"endpoint,omitempty"`
	EnableSnappy   bool          `yaml:"enable_snappy"`
}

// ArchiveConfig configures optional S3 bundle archival.
type ArchiveConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket,omitempty"`
	Prefix             string `yaml:"prefix,omitempty"`
	Region             string `yaml:"region,omitempty"`
	EncryptAtRest      bool   `yaml:"encrypt_at_rest,omitempty"`
	EncryptionPassword string `yaml:"encryption_password,omitempty"`
}

// Default returns a Config with sane defaults, following the
// DefaultXxxConfig() convention used elsewhere in this codebase (e.g.
// DefaultSQLiteBackendConfig, DefaultOfflineSyncConfig).
func Default() Config {
	return Config{
		Device: DeviceConfig{Name: "node"},
		Storage: StorageConfig{
			Path:        "sync.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Sync: SyncConfig{
			Interval:     30 * time.Second,
			BackoffBase:  time.Second,
			BackoffCap:   5 * time.Minute,
			Transport:    "filedrop",
			EnableSnappy: true,
		},
	}
}

// Load reads and parses a YAML config file, filling gaps with Default()'s
// values for any field left zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = Default().Storage.Path
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = Default().Sync.Interval
	}
	return cfg, nil
}
