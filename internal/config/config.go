// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database and run sandboxes
	// (default "/var/lib/llmctl")
	DataDir string `json:"data_dir"`

	// Store driver: sqlite (default), pgx, mysql.
	StoreDriver string `json:"store_driver,omitempty"`
	// Store DSN; empty means <data_dir>/llmctl.db for sqlite.
	StoreDSN string `json:"store_dsn,omitempty"`

	// Master key (hex or raw) for integration setting encryption.
	MasterKey string `json:"master_key,omitempty"`

	// Redis address for the multi-process event broker. Empty selects the
	// in-memory bus.
	RedisAddr string `json:"redis_addr,omitempty"`

	// OTLP gRPC endpoint for tracing. Empty disables tracing.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Global cap on concurrent node dispatches across all runs.
	DispatchFairnessLimit int `json:"dispatch_fairness_limit"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:            ":8080",
		DataDir:               "/var/lib/llmctl",
		StoreDriver:           "sqlite",
		DispatchFairnessLimit: 16,
		LogLevel:              "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// Env overlay
	overlay := map[string]*string{
		"LLMCTL_LISTEN_ADDR":   &cfg.ListenAddr,
		"LLMCTL_DATA_DIR":      &cfg.DataDir,
		"LLMCTL_STORE_DRIVER":  &cfg.StoreDriver,
		"LLMCTL_STORE_DSN":     &cfg.StoreDSN,
		"LLMCTL_MASTER_KEY":    &cfg.MasterKey,
		"LLMCTL_REDIS_ADDR":    &cfg.RedisAddr,
		"LLMCTL_OTLP_ENDPOINT": &cfg.OTLPEndpoint,
		"LLMCTL_LOG_LEVEL":     &cfg.LogLevel,
	}
	for key, dst := range overlay {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("LLMCTL_DISPATCH_FAIRNESS_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("LLMCTL_DISPATCH_FAIRNESS_LIMIT: %w", err)
		}
		cfg.DispatchFairnessLimit = n
	}

	if cfg.DispatchFairnessLimit < 1 {
		cfg.DispatchFairnessLimit = 1
	}
	return cfg, nil
}

// StoreDSNOrDefault resolves the effective store DSN.
func (c Config) StoreDSNOrDefault() string {
	if c.StoreDSN != "" {
		return c.StoreDSN
	}
	return c.DataDir + "/llmctl.db"
}
