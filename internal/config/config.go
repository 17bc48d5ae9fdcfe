// Package config provides configuration management for pglock.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLimit is the default row limit for lock listings.
	DefaultLimit = 25

	// DefaultWorkerInterval is the default prioritization sweep interval.
	DefaultWorkerInterval = time.Second
)

// Config holds the application configuration.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string

	// Port is the HTTP server port for the admin facade.
	Port string

	// LogLevel is the zerolog level name.
	LogLevel string

	// WorkerInterval is the default prioritization sweep interval.
	WorkerInterval time.Duration

	// ConfigFile is the path to the named lock-config YAML file, if any.
	ConfigFile string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", ""),
		Port:           getEnvOrDefault("PORT", "8080"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		WorkerInterval: getEnvDurationOrDefault("PGLOCK_WORKER_INTERVAL", DefaultWorkerInterval),
		ConfigFile:     getEnvOrDefault("PGLOCK_CONFIG_FILE", ""),
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable parsed as a
// duration, accepting bare integers as seconds, or the default.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

// LockConfig is a named, reusable set of listing filters and kill options
// for the CLI and admin facade.
type LockConfig struct {
	// Filters are key=value filter expressions, e.g. "granted=false" or
	// "min_wait=1m".
	Filters []string `mapstructure:"filters"`

	// On restricts listings to locks on the named relations.
	On []string `mapstructure:"on"`

	// PIDs restricts listings to the given backends.
	PIDs []int `mapstructure:"pids"`

	// Limit caps the number of rows shown. Zero means DefaultLimit.
	Limit int `mapstructure:"limit"`

	// Blocking selects the blocking view instead of the plain lock view.
	Blocking bool `mapstructure:"blocking"`

	// Cancel or Terminate turn the listing into a kill action.
	Cancel    bool `mapstructure:"cancel"`
	Terminate bool `mapstructure:"terminate"`

	// Yes skips the confirmation prompt before killing.
	Yes bool `mapstructure:"yes"`

	// Expanded shows one record per line instead of a table.
	Expanded bool `mapstructure:"expanded"`
}

// LoadLockConfigs reads the named lock configurations from a YAML file.
// A missing path yields an empty set.
func LoadLockConfigs(path string) (map[string]LockConfig, error) {
	if path == "" {
		return map[string]LockConfig{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading lock config file %s: %w", path, err)
	}

	configs := map[string]LockConfig{}
	if err := v.Unmarshal(&configs); err != nil {
		return nil, fmt.Errorf("parsing lock config file %s: %w", path, err)
	}
	return configs, nil
}

// Get resolves a named configuration and applies overrides on top of it. An
// empty name yields just the overrides. Unknown names are an error.
func Get(configs map[string]LockConfig, name string, overrides LockConfig) (LockConfig, error) {
	var cfg LockConfig
	if name != "" {
		named, ok := configs[name]
		if !ok {
			return LockConfig{}, fmt.Errorf("%q is not a configured lock config name", name)
		}
		cfg = named
	}

	if len(overrides.Filters) > 0 {
		cfg.Filters = overrides.Filters
	}
	if len(overrides.On) > 0 {
		cfg.On = overrides.On
	}
	if len(overrides.PIDs) > 0 {
		cfg.PIDs = overrides.PIDs
	}
	if overrides.Limit > 0 {
		cfg.Limit = overrides.Limit
	}
	cfg.Blocking = cfg.Blocking || overrides.Blocking
	cfg.Cancel = cfg.Cancel || overrides.Cancel
	cfg.Terminate = cfg.Terminate || overrides.Terminate
	cfg.Yes = cfg.Yes || overrides.Yes
	cfg.Expanded = cfg.Expanded || overrides.Expanded

	if cfg.Limit == 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Cancel && cfg.Terminate {
		return LockConfig{}, fmt.Errorf("cancel and terminate are mutually exclusive")
	}
	return cfg, nil
}
