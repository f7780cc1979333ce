// Package config loads requester settings with viper.
//
// Settings come from requester.toml (or .yaml) in the working directory or
// $HOME/.config/requester, overridden by REQUESTER_* environment variables.
// Durations are given in seconds; zero disables the corresponding timeout.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName = "requester"
	envPrefix  = "REQUESTER"
	configDir  = ".config/requester"
)

// Backends for the request history.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config is the effective requester configuration.
type Config struct {
	// TimeoutEnv bounds environment resolution in seconds (0 = unbounded)
	TimeoutEnv float64 `mapstructure:"timeout_env" toml:"timeout_env"`

	// Timeout bounds each request in seconds (0 = unbounded)
	Timeout float64 `mapstructure:"timeout" toml:"timeout"`

	// HistoryFile is the history path; empty disables history
	HistoryFile       string `mapstructure:"history_file" toml:"history_file"`
	HistoryMaxEntries int    `mapstructure:"history_max_entries" toml:"history_max_entries"`
	HistoryBackend    string `mapstructure:"history_backend" toml:"history_backend"`
	RedisAddr         string `mapstructure:"redis_addr" toml:"redis_addr"`
	RedisKey          string `mapstructure:"redis_key" toml:"redis_key"`

	// Output ordering and display
	ReorderTabsAfterRequests bool `mapstructure:"reorder_tabs_after_requests" toml:"reorder_tabs_after_requests"`
	ChangeFocusAfterRequests bool `mapstructure:"change_focus_after_requests" toml:"change_focus_after_requests"`
	ChangeFocusAfterRequest  bool `mapstructure:"change_focus_after_request" toml:"change_focus_after_request"`

	// Execution
	Concurrency int     `mapstructure:"concurrency" toml:"concurrency"`
	MaxPools    int     `mapstructure:"max_pools" toml:"max_pools"`
	RefreshMS   int     `mapstructure:"refresh_ms" toml:"refresh_ms"`
	RateLimit   float64 `mapstructure:"rate_limit" toml:"rate_limit"`
	Retries     int     `mapstructure:"retries" toml:"retries"`
	UserAgent   string  `mapstructure:"user_agent" toml:"user_agent"`

	// Logging
	LogLevel  string `mapstructure:"log_level" toml:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty" toml:"log_pretty"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("timeout_env", 0)
	v.SetDefault("timeout", 0)
	v.SetDefault("history_file", defaultHistoryFile())
	v.SetDefault("history_max_entries", 100)
	v.SetDefault("history_backend", BackendFile)
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_key", "requester:history")
	v.SetDefault("reorder_tabs_after_requests", false)
	v.SetDefault("change_focus_after_requests", false)
	v.SetDefault("change_focus_after_request", true)
	v.SetDefault("concurrency", 10)
	v.SetDefault("max_pools", 10)
	v.SetDefault("refresh_ms", 200)
	v.SetDefault("rate_limit", 0)
	v.SetDefault("retries", 0)
	v.SetDefault("user_agent", "requester/1.0")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_pretty", true)
}

func defaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDir, "history.json")
}

// Load reads the configuration into a Config. A nil v uses a fresh viper
// instance. A missing config file is not an error.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	SetDefaults(v)

	v.SetConfigName(configName)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, configDir))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.TimeoutEnv < 0 {
		return fmt.Errorf("timeout_env must be >= 0 (got %v)", c.TimeoutEnv)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0 (got %v)", c.Timeout)
	}
	if c.HistoryMaxEntries < 1 {
		return fmt.Errorf("history_max_entries must be >= 1 (got %d)", c.HistoryMaxEntries)
	}
	if c.HistoryBackend != BackendFile && c.HistoryBackend != BackendRedis {
		return fmt.Errorf("history_backend must be %q or %q (got %q)", BackendFile, BackendRedis, c.HistoryBackend)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	if c.MaxPools < 1 {
		return fmt.Errorf("max_pools must be >= 1 (got %d)", c.MaxPools)
	}
	if c.RefreshMS < 1 {
		return fmt.Errorf("refresh_ms must be >= 1 (got %d)", c.RefreshMS)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must be >= 0 (got %d)", c.Retries)
	}
	return nil
}

// EnvTimeout returns the environment resolution bound (0 = unbounded).
func (c Config) EnvTimeout() time.Duration {
	return seconds(c.TimeoutEnv)
}

// RequestTimeout returns the per-request bound (0 = unbounded).
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.Timeout)
}

// RefreshInterval returns the aggregator polling period.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMS) * time.Millisecond
}

// HistoryEnabled reports whether completed batches are recorded.
func (c Config) HistoryEnabled() bool {
	return c.HistoryBackend == BackendRedis || c.HistoryFile != ""
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg Config) error {
	enc := toml.NewEncoder(w)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
