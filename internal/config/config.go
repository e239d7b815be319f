// Package config loads and validates the relay engine's TOML
// configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the engine configuration.
type Config struct {
	// Engine identity and storage backend selection.
	Engine struct {
		Hostname string `toml:"hostname"` // EHLO identity
		Backend  string `toml:"backend"`  // "sqlite", "mysql", "postgres"
		DSN      string `toml:"dsn"`
		// DefaultAccount fills submissions that omit account_id.
		DefaultAccount string `toml:"default_account"`
		// SecretKey is the hex-encoded 32-byte key that opens sealed
		// account passwords before SMTP AUTH. Empty means account
		// password blobs are used as-is.
		SecretKey string `toml:"secret_key"`
	} `toml:"engine"`

	Dispatch struct {
		IntervalSec             int   `toml:"interval"`
		BatchSize               int   `toml:"batch_size"`
		MaxConcurrentSends      int   `toml:"max_concurrent_sends"`
		MaxConcurrentPerAccount int   `toml:"max_concurrent_per_account"`
		SendTimeoutSec          int   `toml:"send_timeout"`
		MaxRetries              int   `toml:"max_retries"`
		RetrySchedule           []int `toml:"retry_schedule"` // seconds per step
	} `toml:"dispatch"`

	Pool struct {
		MaxPerAccount  int `toml:"max_per_account"`
		IdleTTLSec     int `toml:"idle_ttl"`
		DialTimeoutSec int `toml:"dial_timeout"`
		CmdTimeoutSec  int `toml:"command_timeout"`
	} `toml:"pool"`

	Attachments struct {
		BaseDir              string `toml:"base_dir"`
		FetchTimeoutSec      int    `toml:"fetch_timeout"`
		MaxConcurrentFetches int    `toml:"max_concurrent_fetches"`

		Cache struct {
			MemoryMaxItems       int    `toml:"memory_max_items"`
			MemoryMaxBytes       int64  `toml:"memory_max_bytes"`
			MemoryTTLSec         int    `toml:"memory_ttl"`
			MemoryThresholdBytes int64  `toml:"memory_threshold_bytes"`
			DiskDir              string `toml:"disk_dir"`
			DiskMaxItems         int    `toml:"disk_max_items"`
			DiskMaxBytes         int64  `toml:"disk_max_bytes"`
			DiskTTLSec           int    `toml:"disk_ttl"`
			// Remote tier: "", "redis", or "memcache".
			Remote         string   `toml:"remote"`
			RedisAddr      string   `toml:"redis_addr"`
			RedisPassword  string   `toml:"redis_password"`
			RedisDB        int      `toml:"redis_db"`
			MemcacheAddrs  []string `toml:"memcache_addrs"`
			RemoteTTLSec   int      `toml:"remote_ttl"`
		} `toml:"cache"`
	} `toml:"attachments"`

	Report struct {
		IntervalSec    int    `toml:"interval"`
		BatchPerTenant int    `toml:"batch_per_tenant"`
		PostTimeoutSec int    `toml:"post_timeout"`
		GlobalSinkURL  string `toml:"global_sink_url"`
		// Auth for the global sink: "none", "bearer", "basic".
		GlobalAuthKind     string `toml:"global_auth_kind"`
		GlobalAuthToken    string `toml:"global_auth_token"`
		GlobalAuthUsername string `toml:"global_auth_username"`
		GlobalAuthPassword string `toml:"global_auth_password"`
	} `toml:"report"`

	Cleanup struct {
		IntervalSec      int `toml:"interval"`
		RetentionHours   int `toml:"retention_hours"`
		SendLogHours     int `toml:"send_log_hours"`
	} `toml:"cleanup"`

	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text", "json"
	} `toml:"logging"`

	Metrics struct {
		// ValkeyAddr enables the cross-restart counter mirror when set.
		ValkeyAddr string `toml:"valkey_addr"`
	} `toml:"metrics"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine.Hostname = "localhost"
	cfg.Engine.Backend = "sqlite"
	cfg.Engine.DSN = "/var/lib/relaycore/relay.db"

	cfg.Dispatch.IntervalSec = 10
	cfg.Dispatch.BatchSize = 100
	cfg.Dispatch.MaxConcurrentSends = 20
	cfg.Dispatch.MaxConcurrentPerAccount = 3
	cfg.Dispatch.SendTimeoutSec = 120
	cfg.Dispatch.MaxRetries = 5
	cfg.Dispatch.RetrySchedule = []int{60, 300, 900, 3600, 7200}

	cfg.Pool.MaxPerAccount = 3
	cfg.Pool.IdleTTLSec = 60
	cfg.Pool.DialTimeoutSec = 15
	cfg.Pool.CmdTimeoutSec = 30

	cfg.Attachments.FetchTimeoutSec = 30
	cfg.Attachments.MaxConcurrentFetches = 4
	cfg.Attachments.Cache.MemoryMaxItems = 256
	cfg.Attachments.Cache.MemoryMaxBytes = 50 << 20
	cfg.Attachments.Cache.MemoryTTLSec = 900
	cfg.Attachments.Cache.MemoryThresholdBytes = 1 << 20
	cfg.Attachments.Cache.DiskDir = "/var/lib/relaycore/attachcache"
	cfg.Attachments.Cache.DiskMaxItems = 4096
	cfg.Attachments.Cache.DiskMaxBytes = 500 << 20
	cfg.Attachments.Cache.DiskTTLSec = 86400

	cfg.Report.IntervalSec = 15
	cfg.Report.BatchPerTenant = 100
	cfg.Report.PostTimeoutSec = 30

	cfg.Cleanup.IntervalSec = 3600
	cfg.Cleanup.RetentionHours = 7 * 24
	cfg.Cleanup.SendLogHours = 25

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./relaycore.conf",
		"./config/relaycore.conf",
		os.ExpandEnv("$HOME/.relaycore.conf"),
		"/etc/relaycore/relaycore.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", fmt.Errorf("no config file found")
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Engine.Backend)
	}
	if c.Engine.DSN == "" {
		return fmt.Errorf("config: engine.dsn is required")
	}
	if c.Engine.SecretKey != "" {
		if _, err := hex.DecodeString(c.Engine.SecretKey); err != nil || len(c.Engine.SecretKey) != 64 {
			return fmt.Errorf("config: engine.secret_key must be 64 hex characters")
		}
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("config: dispatch.batch_size must be positive")
	}
	if c.Dispatch.MaxConcurrentSends <= 0 {
		return fmt.Errorf("config: dispatch.max_concurrent_sends must be positive")
	}
	for i := 1; i < len(c.Dispatch.RetrySchedule); i++ {
		if c.Dispatch.RetrySchedule[i] < c.Dispatch.RetrySchedule[i-1] {
			return fmt.Errorf("config: dispatch.retry_schedule must be non-decreasing")
		}
	}
	switch c.Report.GlobalAuthKind {
	case "", "none", "bearer", "basic":
	default:
		return fmt.Errorf("config: unknown report.global_auth_kind %q", c.Report.GlobalAuthKind)
	}
	switch c.Attachments.Cache.Remote {
	case "", "redis", "memcache":
	default:
		return fmt.Errorf("config: unknown attachments.cache.remote %q", c.Attachments.Cache.Remote)
	}
	if c.Attachments.Cache.DiskDir == "" {
		return fmt.Errorf("config: attachments.cache.disk_dir is required")
	}
	return nil
}
