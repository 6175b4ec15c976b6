package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "docfeed.db", cfg.Store.DSN)
	assert.Empty(t, cfg.Store.MigrationsDir, "embedded migrations by default")
	assert.Equal(t, "docfeed_admin", cfg.Aggregator.AdminDatabase)
	assert.Equal(t, 4, cfg.Aggregator.FanOut)
	assert.Equal(t, time.Second, cfg.Listener.RetryDelay)
	assert.Equal(t, "$", cfg.Tasks.Marker)
	assert.Equal(t, 3, cfg.Tasks.RetryAttempts)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, 8080, cfg.HTTP.Port)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")

	configContent := `
[store]
dsn = "/var/lib/docfeed/store.db"
updates_poll_interval = "250ms"

[aggregator]
admin_database = "feed_admin"
fan_out = 8
trigger_timeout = "1s"

[listener]
retry_delay = "5s"
long_poll_timeout = "30s"

[tasks]
marker = "@"
retry_attempts = 5

[http]
enabled = false

[logging]
level = "debug"
format = "json"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/docfeed/store.db", cfg.Store.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.UpdatesPollInterval)
	assert.Equal(t, "feed_admin", cfg.Aggregator.AdminDatabase)
	assert.Equal(t, 8, cfg.Aggregator.FanOut)
	assert.Equal(t, time.Second, cfg.Aggregator.TriggerTimeout)
	assert.Equal(t, 1000, cfg.Aggregator.InboxBufferSize, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Listener.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Listener.LongPollTimeout)
	assert.Equal(t, "@", cfg.Tasks.Marker)
	assert.Equal(t, 5, cfg.Tasks.RetryAttempts)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_NotFound(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.toml")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestLoadFromFile_Malformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[store\ndsn = "), 0644))

	_, err := LoadFromFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoadConfig_NoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty driver", mutate: func(c *Config) { c.Store.Driver = "" }},
		{name: "unsupported driver", mutate: func(c *Config) { c.Store.Driver = "postgres" }},
		{name: "empty dsn", mutate: func(c *Config) { c.Store.DSN = "" }},
		{name: "poll interval", mutate: func(c *Config) { c.Store.UpdatesPollInterval = 0 }},
		{name: "admin database name", mutate: func(c *Config) { c.Aggregator.AdminDatabase = "Admin DB" }},
		{name: "fan out", mutate: func(c *Config) { c.Aggregator.FanOut = 0 }},
		{name: "inbox size", mutate: func(c *Config) { c.Aggregator.InboxBufferSize = -1 }},
		{name: "trigger timeout", mutate: func(c *Config) { c.Aggregator.TriggerTimeout = 0 }},
		{name: "retry delay", mutate: func(c *Config) { c.Listener.RetryDelay = 0 }},
		{name: "long poll timeout", mutate: func(c *Config) { c.Listener.LongPollTimeout = 0 }},
		{name: "task marker", mutate: func(c *Config) { c.Tasks.Marker = "" }},
		{name: "task attempts", mutate: func(c *Config) { c.Tasks.RetryAttempts = 0 }},
		{name: "task retry delay", mutate: func(c *Config) { c.Tasks.RetryDelay = 0 }},
		{name: "http port", mutate: func(c *Config) { c.HTTP.Port = 70000 }},
		{name: "metrics port", mutate: func(c *Config) { c.Metrics.Port = 0 }},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "log format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
		})
	}
}

func TestValidate_DisabledServersSkipPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.Enabled = false
	cfg.HTTP.Port = 0
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 0

	assert.NoError(t, cfg.Validate())
}
