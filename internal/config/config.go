// Package config handles loading and managing kestrel configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	PageSize     int  `toml:"page_size"`      // message-list page size (default: 50)
	BatchSize    int  `toml:"batch_size"`     // full-body fetch batch size (default: 10)
	Incremental  bool `toml:"incremental"`    // use history-based sync when a cursor exists
	RateLimitQPS int  `toml:"rate_limit_qps"` // provider request rate (default: 5)
	Concurrency  int  `toml:"concurrency"`    // parallel body fetches (default: 4)
}

// RetryConfig holds the backoff policy for transient sync failures.
type RetryConfig struct {
	BaseDelay  duration `toml:"base_delay"`  // first retry delay (default: 2s)
	MaxDelay   duration `toml:"max_delay"`   // backoff cap (default: 5m)
	Multiplier float64  `toml:"multiplier"`  // exponential factor (default: 2.0)
	MaxRetries int      `toml:"max_retries"` // attempts before giving up (default: 5)
}

// PollingConfig holds fallback polling for accounts without push.
type PollingConfig struct {
	Schedule string `toml:"schedule"` // cron expression or descriptor (default: "@every 5m")
}

// PushConfig holds provider push subscription settings.
type PushConfig struct {
	Enabled bool   `toml:"enabled"`
	Topic   string `toml:"topic"` // pub/sub topic the provider publishes to
}

// ServerConfig holds the local HTTP API server settings.
type ServerConfig struct {
	Addr           string `toml:"addr"`             // listen address (default: "127.0.0.1:8565")
	RequestsPerSec int    `toml:"requests_per_sec"` // API rate limit (default: 50)
}

// QueueConfig holds offline operation queue settings.
type QueueConfig struct {
	MaxRetries int `toml:"max_retries"` // drops after this many failed replays (default: 3)
}

// Account describes one configured mail account.
type Account struct {
	ID       string `toml:"id"`
	Email    string `toml:"email"`
	Schedule string `toml:"schedule"` // per-account polling override
	Enabled  bool   `toml:"enabled"`
}

type Config struct {
	Sync     SyncConfig    `toml:"sync"`
	Retry    RetryConfig   `toml:"retry"`
	Polling  PollingConfig `toml:"polling"`
	Push     PushConfig    `toml:"push"`
	Server   ServerConfig  `toml:"server"`
	Queue    QueueConfig   `toml:"queue"`
	Accounts []Account     `toml:"accounts"`

	// Computed, not from the config file.
	HomeDir string `toml:"-"`
}

// duration lets TOML carry values like "2s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// DefaultHome returns the default kestrel home directory. Respects the
// KESTREL_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("KESTREL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kestrel"
	}
	return filepath.Join(home, ".kestrel")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HomeDir: DefaultHome(),
		Sync: SyncConfig{
			PageSize:     50,
			BatchSize:    10,
			Incremental:  true,
			RateLimitQPS: 5,
			Concurrency:  4,
		},
		Retry: RetryConfig{
			BaseDelay:  duration(2 * time.Second),
			MaxDelay:   duration(5 * time.Minute),
			Multiplier: 2.0,
			MaxRetries: 5,
		},
		Polling: PollingConfig{
			Schedule: "@every 5m",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8565",
			RequestsPerSec: 50,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
		},
		Accounts: []Account{},
	}
}

// Load reads the configuration from the specified file. If path is
// empty, uses the default location (~/.kestrel/config.toml). A missing
// config file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.toml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	seen := make(map[string]bool)
	for _, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("account with email %q has no id", acc.Email)
		}
		if seen[acc.ID] {
			return fmt.Errorf("duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true
	}
	return nil
}

// TokensDir returns the OAuth token cache directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.HomeDir, "tokens")
}

// EnabledAccounts returns the accounts that should sync.
func (c *Config) EnabledAccounts() []Account {
	var out []Account
	for _, acc := range c.Accounts {
		if acc.Enabled {
			out = append(out, acc)
		}
	}
	return out
}

// ScheduleFor returns the polling schedule for an account, falling back
// to the global polling schedule.
func (c *Config) ScheduleFor(accountID string) string {
	for _, acc := range c.Accounts {
		if acc.ID == accountID && acc.Schedule != "" {
			return acc.Schedule
		}
	}
	return c.Polling.Schedule
}
