package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete crew configuration
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Bus          BusConfig          `mapstructure:"bus" yaml:"bus"`
	Notify       NotifyConfig       `mapstructure:"notify" yaml:"notify"`
	Store        StoreConfig        `mapstructure:"store" yaml:"store"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Coordination CoordinationConfig `mapstructure:"coordination" yaml:"coordination"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the minimum level written: debug, info, warn or error
	Level string `mapstructure:"level" yaml:"level"`
	// Dir holds crew.log. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB rotates crew.log at this size (0 = never)
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is how many rotated files are kept
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// BusConfig controls the event bus
type BusConfig struct {
	// PendingLimit caps events parked for pre-subscribed sessions (0 = unbounded)
	PendingLimit int `mapstructure:"pending_limit" yaml:"pending_limit"`
}

// NotifyConfig controls session notification delivery
type NotifyConfig struct {
	// BufferLimit caps notifications held per detached session (0 = unbounded)
	BufferLimit int `mapstructure:"buffer_limit" yaml:"buffer_limit"`
	// HeartbeatInterval is how often idle streams are pinged
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// WriteTimeout bounds each SSE or WebSocket write
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// StoreConfig selects and configures the task store
type StoreConfig struct {
	// Driver is "memory" or "sqlite"
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the sqlite database file
	Path string `mapstructure:"path" yaml:"path"`
	// PoolSize is the number of sqlite connections
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// StateDir is where the memory store snapshots tasks. Empty disables snapshots.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// SnapshotSchedule is a cron spec for memory store snapshots
	SnapshotSchedule string `mapstructure:"snapshot_schedule" yaml:"snapshot_schedule"`
}

// ServerConfig controls the HTTP server
type ServerConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// CoordinationConfig controls the coordination hub
type CoordinationConfig struct {
	// RetryAttempts is how many times a conflicting task update is retried
	RetryAttempts int `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Bus: BusConfig{
			PendingLimit: 4096,
		},
		Notify: NotifyConfig{
			BufferLimit:       1024,
			HeartbeatInterval: 15 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Store: StoreConfig{
			Driver:           DriverMemory,
			Path:             "crew.db",
			PoolSize:         4,
			SnapshotSchedule: "@every 30s",
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8787",
			ReadTimeout: 15 * time.Second,
		},
		Coordination: CoordinationConfig{
			RetryAttempts: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	viper.SetDefault("bus.pending_limit", defaults.Bus.PendingLimit)

	viper.SetDefault("notify.buffer_limit", defaults.Notify.BufferLimit)
	viper.SetDefault("notify.heartbeat_interval", defaults.Notify.HeartbeatInterval)
	viper.SetDefault("notify.write_timeout", defaults.Notify.WriteTimeout)

	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("store.pool_size", defaults.Store.PoolSize)
	viper.SetDefault("store.state_dir", defaults.Store.StateDir)
	viper.SetDefault("store.snapshot_schedule", defaults.Store.SnapshotSchedule)

	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)

	viper.SetDefault("coordination.retry_attempts", defaults.Coordination.RetryAttempts)
}

// BindEnv makes every key overridable through CREW_-prefixed environment
// variables, e.g. CREW_STORE_DRIVER for store.driver.
func BindEnv() {
	viper.SetEnvPrefix("CREW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Watch re-loads the configuration whenever the config file changes and
// hands valid results to apply. Invalid edits are reported to onError and
// otherwise ignored.
func Watch(apply func(*Config), onError func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		apply(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crew")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crew"
	}
	return filepath.Join(home, ".config", "crew")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
