// Package config loads daemon configuration from environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Server
	ListenAddr string

	// Local state
	DataDir string

	// Remote provider
	ProviderURL   string
	ProviderToken string
	Timeout       time.Duration

	// Behaviour
	Offline  bool
	LogLevel string
	LogPath  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("DRIVEMIRROR_LISTEN_ADDR", "127.0.0.1:7225"),
		DataDir:       envOr("DRIVEMIRROR_DATA_DIR", defaultDataDir()),
		ProviderURL:   envOr("DRIVEMIRROR_PROVIDER_URL", "http://localhost:8080"),
		ProviderToken: envOr("DRIVEMIRROR_PROVIDER_TOKEN", ""),
		Timeout:       envDur("DRIVEMIRROR_TIMEOUT", 30*time.Second),
		Offline:       envBool("DRIVEMIRROR_OFFLINE", false),
		LogLevel:      envOr("DRIVEMIRROR_LOG_LEVEL", "info"),
		LogPath:       envOr("DRIVEMIRROR_LOG_PATH", "stderr"),
	}
	return cfg, nil
}

// MetaDir is where per-object metadata records live.
func (c *Config) MetaDir() string {
	return filepath.Join(c.DataDir, "meta")
}

// GraphPath is the identity graph snapshot file.
func (c *Config) GraphPath() string {
	return filepath.Join(c.DataDir, "graph.json")
}

// TokenPath is the persisted continuation token file.
func (c *Config) TokenPath() string {
	return filepath.Join(c.DataDir, "token")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/drivemirror"
	}
	return filepath.Join(home, ".local", "share", "drivemirror")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
