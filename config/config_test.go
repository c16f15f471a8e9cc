package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
environments:
  - name: ff
    capabilities:
      browserName: firefox
  - capabilities:
      browserName: chrome
      goog:chromeOptions:
        args: [headless]
maxConcurrency: 2
environmentRetries: 1
defaultTimeout: 5s
grep: "^root - login"
bail: true
waitMode: all
coverage:
  include: ["src/**/*.js"]
  command: [nyc, instrument]
store:
  driver: sqlite
  dsn: results.db
log:
  format: json
  trace: true
`))
	require.NoError(t, err)

	require.Len(t, cfg.Environments, 2)
	assert.Equal(t, "ff", cfg.Environments[0].DisplayName())
	assert.Equal(t, "chrome", cfg.Environments[1].DisplayName())

	opts, ok := cfg.Environments[1].Capabilities["goog:chromeOptions"].(map[string]interface{})
	require.True(t, ok, "expected nested capabilities map, got %T", cfg.Environments[1].Capabilities["goog:chromeOptions"])
	assert.Equal(t, []interface{}{"headless"}, opts["args"])

	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, 1, cfg.EnvironmentRetries)
	assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
	assert.True(t, cfg.Bail)
	assert.Equal(t, "all", cfg.WaitMode)
	assert.Equal(t, "^root - login", cfg.Grep)
	assert.Equal(t, []string{"nyc", "instrument"}, cfg.Coverage.Command)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Log.Trace)

	// Untouched settings keep their defaults.
	def := Default()
	assert.Equal(t, def.IdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, def.Serve, cfg.Serve)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxConcurrency, cfg.MaxConcurrency)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "maxConcurency: 3", "maxConcurency"},
		{"bad duration", "defaultTimeout: soon", "decode config"},
		{"negative concurrency", "maxConcurrency: -1", "maxConcurrency"},
		{"negative retries", "environmentRetries: -2", "environmentRetries"},
		{"negative timeout", "idleTimeout: -1s", "idleTimeout"},
		{"backoff order", "retryBaseDelay: 2s\nretryMaxDelay: 1s", "retryMaxDelay"},
		{"bad grep", "grep: '('", "grep"},
		{"no capabilities", "environments:\n  - name: x", "capabilities"},
		{"bad glob", "coverage:\n  include: ['src/[']\n  command: [cat]", "invalid pattern"},
		{"coverage without command", "coverage:\n  include: ['src/**']", "require a command"},
		{"unknown store", "store:\n  driver: redis", "unknown driver"},
		{"store without dsn", "store:\n  driver: mysql", "requires a dsn"},
		{"log format", "log:\n  format: xml", "unknown format"},
		{"log level", "log:\n  level: loud", "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suitegraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxConcurrency: 1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxConcurrency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
