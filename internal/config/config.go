// Package config loads daemon configuration from a YAML file with
// environment-variable overrides (LINKDEN_* keys).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/linkden/linkden/internal/realtime"
	"github.com/linkden/linkden/internal/retry"
)

// Config is the full daemon configuration.
type Config struct {
	// StateDir holds the local database, bus file, and logs.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	Backend  Backend  `mapstructure:"backend" yaml:"backend"`
	Session  Session  `mapstructure:"session" yaml:"session"`
	Realtime Realtime `mapstructure:"realtime" yaml:"realtime"`
	Log      Log      `mapstructure:"log" yaml:"log"`
}

// Backend locates the remote auth/data/feed surfaces.
type Backend struct {
	// URL is the REST base, e.g. https://api.example.com.
	URL string `mapstructure:"url" yaml:"url"`

	// FeedURL is the websocket change-feed endpoint.
	FeedURL string `mapstructure:"feed_url" yaml:"feed_url"`

	// APIKey is sent with every request when set.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

// Session tunes the recovery state machine.
type Session struct {
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	RecoverTimeout time.Duration `mapstructure:"recover_timeout" yaml:"recover_timeout"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// Realtime tunes subscription reconnect and event debouncing.
type Realtime struct {
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	DebounceDelay   time.Duration `mapstructure:"debounce_delay" yaml:"debounce_delay"`
	DebounceMaxWait time.Duration `mapstructure:"debounce_max_wait" yaml:"debounce_max_wait"`
}

// Log configures the rotated daemon log file. An empty File logs to
// stderr.
type Log struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Load reads configuration from path (optional), environment, and
// defaults, in that order of precedence from highest to lowest:
// environment, file, defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LINKDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		// Missing default file is fine; defaults apply.
		if def := defaultConfigPath(); fileExists(def) {
			path = def
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.feed_url", "")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("session.cooldown", 5*time.Second)
	v.SetDefault("session.recover_timeout", 8*time.Second)
	v.SetDefault("session.max_retries", 2)
	v.SetDefault("session.base_delay", 500*time.Millisecond)
	v.SetDefault("realtime.max_retries", 5)
	v.SetDefault("realtime.base_delay", 500*time.Millisecond)
	v.SetDefault("realtime.max_delay", 30*time.Second)
	v.SetDefault("realtime.multiplier", 2.0)
	v.SetDefault("realtime.debounce_delay", 100*time.Millisecond)
	v.SetDefault("realtime.debounce_max_wait", time.Second)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkden"
	}
	return filepath.Join(home, ".linkden")
}

func defaultConfigPath() string {
	return filepath.Join(defaultStateDir(), "config.yaml")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DatabasePath is the local SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "linkden.db")
}

// BusPath is the cross-context broadcast bus file location.
func (c *Config) BusPath() string {
	return filepath.Join(c.StateDir, "bus.jsonl")
}

// SessionPolicy converts the session settings to a retry policy.
func (c *Config) SessionPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Session.MaxRetries,
		BaseDelay:  c.Session.BaseDelay,
		Multiplier: 1, // fixed-interval retries for the auth probe
	}
}

// ReconnectPolicy converts the realtime settings to a retry policy.
func (c *Config) ReconnectPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Realtime.MaxRetries,
		BaseDelay:  c.Realtime.BaseDelay,
		MaxDelay:   c.Realtime.MaxDelay,
		Multiplier: c.Realtime.Multiplier,
	}
}

// DebounceSpec returns the subscription debounce settings, or nil when
// debouncing is disabled.
func (c *Config) DebounceSpec() *realtime.DebounceSpec {
	if c.Realtime.DebounceDelay <= 0 {
		return nil
	}
	return &realtime.DebounceSpec{
		Delay:   c.Realtime.DebounceDelay,
		MaxWait: c.Realtime.DebounceMaxWait,
	}
}

// YAML renders the effective configuration, for `linkden config show`.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
