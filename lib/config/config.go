// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the roomserver.
type Config struct {
	// ServerName is this homeserver's name, the authority component
	// of the user IDs it mints (e.g. "example.org").
	ServerName string `yaml:"server_name"`

	// Storage configures the event store.
	Storage StorageConfig `yaml:"storage"`

	// Cache configures the resolved-state cache.
	Cache CacheConfig `yaml:"cache"`

	// Federation configures ingestion of remote events.
	Federation FederationConfig `yaml:"federation"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// StorageConfig configures the event store.
type StorageConfig struct {
	// DataDir is the directory holding the event database. Required.
	DataDir string `yaml:"data_dir"`

	// PoolSize is the SQLite connection pool size.
	// Default: 8
	PoolSize int `yaml:"pool_size"`

	// Compression selects the event record compression: "none",
	// "lz4", or "zstd".
	// Default: zstd
	Compression string `yaml:"compression"`
}

// CacheConfig configures the resolved-state cache.
type CacheConfig struct {
	// Entries bounds the number of cached frontier snapshots.
	// Default: 1024
	Entries int `yaml:"entries"`
}

// FederationConfig configures ingestion of remote events.
type FederationConfig struct {
	// VerifySignatures enables the ed25519 origin signature gate.
	// Deployments that only ingest locally authored events leave it
	// off.
	// Default: false
	VerifySignatures bool `yaml:"verify_signatures"`

	// FetchAttempts bounds fetch retries per missing parent.
	// Default: 3
	FetchAttempts int `yaml:"fetch_attempts"`

	// FetchBackoff is the delay between fetch attempts, as a Go
	// duration string.
	// Default: 500ms
	FetchBackoff string `yaml:"fetch_backoff"`

	// PendingTTL is how long an event waits for a missing parent
	// before its dependent chain is abandoned, as a Go duration
	// string.
	// Default: 1m
	PendingTTL string `yaml:"pending_ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the minimum level emitted: "debug", "info", "warn",
	// or "error".
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback - the
// config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Storage: StorageConfig{
			DataDir:     filepath.Join(homeDir, ".cache", "roomserver"),
			PoolSize:    8,
			Compression: "zstd",
		},
		Cache: CacheConfig{
			Entries: 1024,
		},
		Federation: FederationConfig{
			VerifySignatures: false,
			FetchAttempts:    3,
			FetchBackoff:     "500ms",
			PendingTTL:       "1m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the ROOMSERVER_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if ROOMSERVER_CONFIG is not
// set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ROOMSERVER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ROOMSERVER_CONFIG environment variable not set; " +
			"set it to the path of your roomserver.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ROOMSERVER_DATA": c.Storage.DataDir,
		"HOME":            os.Getenv("HOME"),
	}
	c.Storage.DataDir = expandVars(c.Storage.DataDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerName == "" {
		errs = append(errs, fmt.Errorf("server_name is required"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, fmt.Errorf("storage.data_dir is required"))
	}
	if c.Storage.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.pool_size must be positive"))
	}
	switch c.Storage.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("storage.compression must be one of: none, lz4, zstd"))
	}
	if c.Cache.Entries <= 0 {
		errs = append(errs, fmt.Errorf("cache.entries must be positive"))
	}
	if c.Federation.FetchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("federation.fetch_attempts must be positive"))
	}
	if _, err := time.ParseDuration(c.Federation.FetchBackoff); err != nil {
		errs = append(errs, fmt.Errorf("federation.fetch_backoff: %w", err))
	}
	if _, err := time.ParseDuration(c.Federation.PendingTTL); err != nil {
		errs = append(errs, fmt.Errorf("federation.pending_ttl: %w", err))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FetchBackoffDuration returns the parsed fetch backoff. Call Validate
// first; invalid values return zero.
func (c *Config) FetchBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.Federation.FetchBackoff)
	return d
}

// PendingTTLDuration returns the parsed pending TTL. Call Validate
// first; invalid values return zero.
func (c *Config) PendingTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.Federation.PendingTTL)
	return d
}

// EnsurePaths creates the data directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if c.Storage.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Storage.DataDir, err)
	}
	return nil
}
