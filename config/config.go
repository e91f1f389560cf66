// Package config handles application configuration.
//
// Configuration comes from three layers with increasing precedence:
// built-in defaults, an optional .conf file, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds runtime configuration for the watcher daemon.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Tracked addresses
	Addresses []string `conf:"addresses"`

	// Live push channel (websocket)
	Live LiveConfig

	// Backlog REST API (esplora-compatible)
	API APIConfig

	// Snapshot persistence
	Store StoreConfig

	// Prometheus metrics
	Metrics MetricsConfig

	// Logging
	Log LogConfig
}

// LiveConfig holds websocket channel settings.
type LiveConfig struct {
	URL               string        `conf:"live.url"`
	ConnectTimeout    time.Duration `conf:"live.connect_timeout"`
	HeartbeatInterval time.Duration `conf:"live.heartbeat"`
	StaleAfter        time.Duration `conf:"live.stale_after"`
}

// APIConfig holds backlog REST API settings.
type APIConfig struct {
	URL     string        `conf:"api.url"`
	Timeout time.Duration `conf:"api.timeout"`
}

// StoreConfig holds snapshot persistence settings.
type StoreConfig struct {
	Enabled  bool `conf:"store.enabled"`
	InMemory bool `conf:"store.inmemory"` // volatile store, for testing
}

// MetricsConfig holds prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `conf:"metrics.enabled"`
	Addr    string `conf:"metrics.addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingwatch
//	macOS:   ~/Library/Application Support/Klingwatch
//	Windows: %APPDATA%\Klingwatch
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingwatch"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingwatch")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingwatch")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingwatch")
	default:
		return filepath.Join(home, ".klingwatch")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// SnapshotDir returns the snapshot database directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.NetworkDataDir(), "snapshots")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingwatch.conf")
}

// EnsureDataDirs creates the data directories if missing.
func EnsureDataDirs(cfg *Config) error {
	return os.MkdirAll(cfg.SnapshotDir(), 0o755)
}
