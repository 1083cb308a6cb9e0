package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ SCHEDULING ============
	AutoSyncEnabled  bool `json:"auto_sync_enabled"`
	AutoSyncInterval int  `json:"auto_sync_interval"` // seconds
	SyncOnStartup    bool `json:"sync_on_startup"`

	// ============ RETRIES ============
	MaxAttempts    int `json:"max_attempts"`     // replay attempts before an op is parked as failed
	BackoffBaseMs  int `json:"backoff_base_ms"`  // first retry delay
	BackoffMaxMs   int `json:"backoff_max_ms"`   // backoff ceiling
	OpTimeoutSec   int `json:"op_timeout_sec"`   // per-operation replay timeout
	ProbeTimeoutMs int `json:"probe_timeout_ms"` // reachability probe timeout

	// ============ CONCURRENCY ============
	Workers int `json:"workers"` // concurrent replays across distinct records

	// ============ CONFLICTS ============
	ConflictResolution string `json:"conflict_resolution"` // flag, last_write_wins
}

// Conflict resolution policies. "flag" parks the operation as a conflict for
// user attention; "last_write_wins" resubmits the local payload when the
// local change is newer than the remote one.
const (
	ConflictFlag          = "flag"
	ConflictLastWriteWins = "last_write_wins"
)

// LoadSyncConfig loads sync configuration from environment or file
func LoadSyncConfig() *SyncConfig {
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		if cfg, err := loadSyncConfigFromFile(configPath); err == nil {
			return cfg
		}
	}
	return DefaultSyncConfig()
}

// loadSyncConfigFromFile loads sync config from JSON file
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultSyncConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSyncConfig returns the default sync configuration with env
// overrides applied.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		AutoSyncEnabled:  getBoolEnv("SYNC_AUTO_ENABLED", true),
		AutoSyncInterval: getIntEnv("SYNC_AUTO_INTERVAL", 300),
		SyncOnStartup:    getBoolEnv("SYNC_ON_STARTUP", true),

		MaxAttempts:    getIntEnv("SYNC_MAX_ATTEMPTS", 5),
		BackoffBaseMs:  getIntEnv("SYNC_BACKOFF_BASE_MS", 2000),
		BackoffMaxMs:   getIntEnv("SYNC_BACKOFF_MAX_MS", 300000),
		OpTimeoutSec:   getIntEnv("SYNC_OP_TIMEOUT", 30),
		ProbeTimeoutMs: getIntEnv("SYNC_PROBE_TIMEOUT_MS", 3000),

		Workers: getIntEnv("SYNC_WORKERS", 4),

		ConflictResolution: getEnv("SYNC_CONFLICT_RESOLUTION", ConflictFlag),
	}
}

// BackoffDelay returns the retry delay after the given attempt count,
// doubling from the base and capped at the configured ceiling.
func (c *SyncConfig) BackoffDelay(attempts int) time.Duration {
	base := time.Duration(c.BackoffBaseMs) * time.Millisecond
	ceiling := time.Duration(c.BackoffMaxMs) * time.Millisecond
	if attempts < 1 {
		return base
	}
	delay := base << uint(attempts-1)
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// OpTimeout returns the per-operation replay timeout.
func (c *SyncConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSec) * time.Second
}

// ProbeTimeout returns the reachability probe timeout.
func (c *SyncConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
