// Package config loads SchoolSync settings from a YAML file, the
// environment (SCHOOLSYNC_*) and built-in defaults, in that order of
// precedence: env over file over defaults.
package config

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kimhsiao/schoolsync/internal/errors"
	"github.com/kimhsiao/schoolsync/internal/logging"
)

// FileName is the config file name searched for when no path is given.
const FileName = "schoolsync.yaml"

// EnvPrefix prefixes every environment override, e.g. SCHOOLSYNC_REMOTE_URL.
const EnvPrefix = "SCHOOLSYNC"

// Config is the full application configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

// RemoteConfig configures the remote record service client.
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
}

// SyncConfig configures the engine and scheduler.
type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	AutoRequeueFailed bool          `mapstructure:"auto_requeue_failed"`
	SkipTicksOffline  bool          `mapstructure:"skip_ticks_offline"`
	PassTimeout       time.Duration `mapstructure:"pass_timeout"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig configures per-entry backoff.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// ConnectivityConfig configures the health prober.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// ServerConfig configures the desktop HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// StorageConfig describes the local storage capability.
type StorageConfig struct {
	// Persistent is false on hosts without durable local storage; the
	// engine refuses to run there.
	Persistent bool `mapstructure:"persistent"`
}

// DefaultDataDir returns ~/.schoolsync/data, or ./data when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "data"
	}
	return filepath.Join(home, ".schoolsync", "data")
}

// defaults lists every key with its default value. Keys must be registered
// here for environment overrides to apply during Unmarshal.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":                    DefaultDataDir(),
		"remote.url":                  "http://127.0.0.1:8090",
		"remote.token":                "",
		"remote.timeout":              10 * time.Second,
		"remote.rate_limit":           10.0,
		"remote.burst":                5,
		"sync.interval":               5 * time.Minute,
		"sync.auto_requeue_failed":    false,
		"sync.skip_ticks_offline":     false,
		"sync.pass_timeout":           5 * time.Minute,
		"sync.retry.max_attempts":     3,
		"sync.retry.base_delay":       500 * time.Millisecond,
		"sync.retry.multiplier":       2.0,
		"sync.retry.max_delay":        30 * time.Second,
		"sync.retry.attempt_timeout":  30 * time.Second,
		"connectivity.probe_interval": 30 * time.Second,
		"server.addr":                 "127.0.0.1:8091",
		"log.level":                   "info",
		"log.file":                    "",
		"storage.persistent":          true,
	}
}

// Loader reads configuration and optionally watches the file for changes.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader reads path, or searches the working directory and
// ~/.schoolsync for schoolsync.yaml when path is empty. A missing file
// is not an error when searching; an explicit path must exist.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".schoolsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, errors.Wrap(errors.ErrInvalid, "reading config", err)
		}
	}

	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load is a shortcut for NewLoader(path).Config().
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file when it changes and calls onChange with the new
// configuration. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.ConfigFile() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid config change", map[string]interface{}{
				"file":  e.Name,
				"error": err.Error(),
			})
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		logging.Info("Config reloaded", map[string]interface{}{"file": e.Name})
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "decoding config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is empty")
	}
	if c.Remote.URL != "" {
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("remote.url %q is not an absolute URL", c.Remote.URL))
		}
	}
	if c.Remote.RateLimit < 0 {
		problems = append(problems, "remote.rate_limit is negative")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, "sync.interval must be positive")
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		problems = append(problems, "sync.retry.max_attempts must be at least 1")
	}
	if c.Sync.Retry.BaseDelay < 0 || c.Sync.Retry.MaxDelay < 0 {
		problems = append(problems, "sync.retry delays must not be negative")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrValidation, "invalid config: "+strings.Join(problems, "; "))
	}
	return nil
}
