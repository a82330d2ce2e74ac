package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logship/internal/dispatcher"
)

const sample = `
logLevel: debug
http:
  addr: ":9090"
  authToken: secret
dispatcher:
  batchSize: 50
  batchDelay: 250ms
  overflow: block
sinks:
  - name: app
    type: file
    key: "/var/log/{{ .Source }}.log"
    options:
      maxSize: 1048576
      numbering: rolling
  - name: collector
    type: network
    key: "tcp://collector:5170"
    dispatcher:
      retryCount: "5"
      operationTimeout: 2s
      keepOpen: false
`

func TestParse(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "secret", cfg.HTTP.AuthToken)
	assert.Equal(t, 30*time.Second, cfg.HTTP.StatsInterval, "unset fields keep defaults")

	assert.Equal(t, 50, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.BatchDelay)
	assert.Equal(t, dispatcher.OverflowBlock, cfg.Dispatcher.Overflow)
	assert.Equal(t, 3, cfg.Dispatcher.RetryCount)

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "app", cfg.Sinks[0].Name)
	assert.Equal(t, "rolling", cfg.Sinks[0].Options["numbering"])
}

func TestDispatcherForAppliesOverrides(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), cfg))

	app, err := cfg.DispatcherFor(cfg.Sinks[0])
	require.NoError(t, err)
	assert.Equal(t, 50, app.BatchSize)
	assert.Equal(t, 3, app.RetryCount)
	assert.True(t, app.KeepOpen)

	collector, err := cfg.DispatcherFor(cfg.Sinks[1])
	require.NoError(t, err)
	assert.Equal(t, 50, collector.BatchSize)
	assert.Equal(t, 5, collector.RetryCount)
	assert.Equal(t, 2*time.Second, collector.OperationTimeout)
	assert.False(t, collector.KeepOpen)

	// overrides do not leak into the defaults
	assert.Equal(t, 3, cfg.Dispatcher.RetryCount)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	cfg := Default()
	err := Parse([]byte("http:\n  adress: \":1\"\n"), cfg)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no sinks", func(c *Config) { c.Sinks = nil }, "at least one sink"},
		{"missing name", func(c *Config) { c.Sinks[0].Name = "" }, "name is required"},
		{"duplicate name", func(c *Config) {
			c.Sinks = append(c.Sinks, c.Sinks[0])
		}, "duplicate name"},
		{"unknown type", func(c *Config) { c.Sinks[0].Type = "s3" }, "unknown type"},
		{"bad override", func(c *Config) {
			c.Sinks[0].Dispatcher = map[string]any{"overflow": "spill"}
		}, "unknown overflow"},
		{"unknown override", func(c *Config) {
			c.Sinks[0].Dispatcher = map[string]any{"batchSise": 3}
		}, "dispatcher"},
		{"bad default", func(c *Config) { c.Dispatcher.Mode = "later" }, "unknown dispatch mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOGSHIP_LOG_LEVEL":  "warn",
		"LOGSHIP_HTTP_ADDR":  "127.0.0.1:7000",
		"LOGSHIP_AUTH_TOKEN": "t0k",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:7000", cfg.HTTP.Addr)
	assert.Equal(t, "t0k", cfg.HTTP.AuthToken)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logship.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	t.Setenv("LOGSHIP_HTTP_ADDR", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Len(t, cfg.Sinks, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
