package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"

	"github.com/livinlefevreloca/docfeed/internal/changes"
	"github.com/livinlefevreloca/docfeed/internal/db"
	"github.com/livinlefevreloca/docfeed/internal/lifecycle"
	"github.com/livinlefevreloca/docfeed/internal/tasks"
)

// Config represents the application configuration
type Config struct {
	Store      db.Config        `toml:"store"`
	Aggregator changes.Config   `toml:"aggregator"`
	Listener   lifecycle.Config `toml:"listener"`
	Tasks      tasks.Config     `toml:"tasks"`
	HTTP       HTTPConfig       `toml:"http"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

// HTTPConfig holds admin API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: db.Config{
			Driver:              "sqlite3",
			DSN:                 "docfeed.db",
			MaxOpenConns:        25,
			MaxIdleConns:        5,
			ConnMaxLifetime:     5 * time.Minute,
			ConnMaxIdleTime:     5 * time.Minute,
			MigrationsDir:       "",
			SkipMigrations:      false,
			UpdatesPollInterval: db.DefaultUpdatesPollInterval,
		},
		Aggregator: changes.DefaultConfig(),
		Listener:   lifecycle.DefaultConfig(),
		Tasks:      tasks.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, errors.NotFoundf("config file %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, errors.Annotate(err, "failed to parse config file")
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Store validation
	if c.Store.Driver == "" {
		return errors.NotValidf("empty store driver")
	}
	if c.Store.Driver != "sqlite3" {
		return errors.NotValidf("store driver %q (must be sqlite3)", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return errors.NotValidf("empty store dsn")
	}
	if c.Store.UpdatesPollInterval <= 0 {
		return errors.NotValidf("store updates_poll_interval %v", c.Store.UpdatesPollInterval)
	}

	// Aggregator validation
	if !db.ValidDatabaseName(c.Aggregator.AdminDatabase) {
		return errors.NotValidf("aggregator admin_database %q", c.Aggregator.AdminDatabase)
	}
	if c.Aggregator.FanOut <= 0 {
		return errors.NotValidf("aggregator fan_out %d", c.Aggregator.FanOut)
	}
	if c.Aggregator.InboxBufferSize <= 0 {
		return errors.NotValidf("aggregator inbox_buffer_size %d", c.Aggregator.InboxBufferSize)
	}
	if c.Aggregator.TriggerTimeout <= 0 {
		return errors.NotValidf("aggregator trigger_timeout %v", c.Aggregator.TriggerTimeout)
	}

	// Listener validation
	if c.Listener.RetryDelay <= 0 {
		return errors.NotValidf("listener retry_delay %v", c.Listener.RetryDelay)
	}
	if c.Listener.LongPollTimeout <= 0 {
		return errors.NotValidf("listener long_poll_timeout %v", c.Listener.LongPollTimeout)
	}

	// Tasks validation
	if c.Tasks.Marker == "" {
		return errors.NotValidf("empty tasks marker")
	}
	if c.Tasks.RetryAttempts <= 0 {
		return errors.NotValidf("tasks retry_attempts %d", c.Tasks.RetryAttempts)
	}
	if c.Tasks.RetryDelay <= 0 {
		return errors.NotValidf("tasks retry_delay %v", c.Tasks.RetryDelay)
	}

	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.NotValidf("HTTP port %d (must be between 1 and 65535)", c.HTTP.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.NotValidf("metrics port %d (must be between 1 and 65535)", c.Metrics.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return errors.NotValidf("log level %q (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return errors.NotValidf("log format %q (must be text or json)", c.Logging.Format)
	}

	return nil
}
