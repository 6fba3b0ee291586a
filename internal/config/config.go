// Package config holds the typed configuration structs for the server
// and client daemons, following the daemon's own DefaultConfig/LoadConfig
// split: a loader reads a file when present and falls back to hardcoded
// defaults otherwise.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// ServerConfig configures the server daemon: listen address, storage
// roots, and the tunables named throughout §4–§5 of the design.
type ServerConfig struct {
	RESTAddress          string `json:"rest_address"`
	ObservabilityAddress string `json:"observability_address"`
	DataDir              string `json:"data_dir"`
	CatalogDBPath        string `json:"catalog_db_path"`
	MaxContainerSize     int64  `json:"max_container_size_bytes"`
	NotifierBufferSize   int    `json:"notifier_buffer_size"`
	NotifierRateBurst    int    `json:"notifier_rate_burst"`
	NotifierRateRefill   float64 `json:"notifier_rate_refill_per_sec"`
}

// DefaultServerConfig returns the server daemon's hardcoded defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RESTAddress:          ":7420",
		ObservabilityAddress: ":7421",
		DataDir:              "./data",
		CatalogDBPath:        "./data/catalog.db",
		MaxContainerSize:     64 * 1024 * 1024,
		NotifierBufferSize:   256,
		NotifierRateBurst:    50,
		NotifierRateRefill:   10,
	}
}

// LoadServerConfig reads a JSON config file at path, falling back to
// DefaultServerConfig when path is empty or does not exist.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ClientConfig configures the client sync engine and its daemon.
type ClientConfig struct {
	ServerAddress     string        `json:"server_address"`
	SyncRoot          string        `json:"sync_root"`
	StateDBPath       string        `json:"state_db_path"`
	DebounceWindow    time.Duration `json:"debounce_window"`
	PollInterval      time.Duration `json:"poll_interval"`
	RetryBackoffBase  time.Duration `json:"retry_backoff_base"`
	MaxRetryAttempts  int           `json:"max_retry_attempts"`
}

// DefaultClientConfig returns the client daemon's hardcoded defaults,
// matching the exact intervals named in §4.9.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerAddress:    "http://127.0.0.1:7420",
		SyncRoot:         ".",
		StateDBPath:      "./.entanglement-state.db",
		DebounceWindow:   500 * time.Millisecond,
		PollInterval:     30 * time.Second,
		RetryBackoffBase: 60 * time.Second,
		MaxRetryAttempts: 5,
	}
}

// LoadClientConfig reads a JSON config file at path, falling back to
// DefaultClientConfig when path is empty or does not exist.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
