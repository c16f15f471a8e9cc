// Package config loads the suitegraph run configuration from YAML.
//
// A file only needs the settings it changes; everything else keeps the
// value from Default. Durations are written the way time.ParseDuration
// reads them ("30s", "1m30s").
package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is a complete run configuration.
type Config struct {
	// Environments are the remote environments a run covers, one root suite
	// each.
	Environments []Environment `yaml:"environments"`

	// MaxConcurrency bounds how many environments run at once. Zero runs
	// them all at once.
	MaxConcurrency int `yaml:"maxConcurrency"`

	// EnvironmentRetries is how often a failed session creation is retried.
	EnvironmentRetries int `yaml:"environmentRetries"`

	// RetryBaseDelay and RetryMaxDelay configure exponential backoff between
	// session creation attempts. Zero retries immediately.
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`

	// DefaultTimeout applies to hooks and tests that set no timeout.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`

	// IdleTimeout fails a remote suite whose session goes quiet this long.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// HeartbeatInterval pings remote sessions while they run. Zero disables.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	Grep              string `yaml:"grep"`
	Bail              bool   `yaml:"bail"`
	PublishAfterSetup bool   `yaml:"publishAfterSetup"`

	// WaitMode is "none", "all", "fail" or a comma separated list of event
	// names.
	WaitMode string `yaml:"waitMode"`

	Serve     ServeConfig     `yaml:"serve"`
	WebDriver WebDriverConfig `yaml:"webdriver"`
	Coverage  CoverageConfig  `yaml:"coverage"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// Environment is one remote environment.
type Environment struct {
	Name         string                 `yaml:"name"`
	Capabilities map[string]interface{} `yaml:"capabilities"`
}

// DisplayName returns Name, or the browser name when Name is empty.
func (e Environment) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	if b, ok := e.Capabilities["browserName"].(string); ok && b != "" {
		return b
	}
	return "environment"
}

// ServeConfig configures the controller's HTTP server.
type ServeConfig struct {
	// Address is the listen address.
	Address string `yaml:"address"`
	// BaseURL is how remote environments reach the server.
	BaseURL string `yaml:"baseURL"`
	// Root is the directory served to remote environments.
	Root string `yaml:"root"`
	// LoaderPath is the page a session is navigated to, relative to BaseURL.
	LoaderPath string `yaml:"loaderPath"`
	// MetricsPath serves Prometheus metrics. Empty disables.
	MetricsPath string `yaml:"metricsPath"`
}

// WebDriverConfig locates the WebDriver server.
type WebDriverConfig struct {
	URL string `yaml:"url"`
}

// CoverageConfig selects served files for coverage instrumentation.
type CoverageConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	// Command instruments one file: it reads the source on stdin and writes
	// the instrumented source to stdout. The file path is appended as the
	// last argument.
	Command []string `yaml:"command"`
}

// StoreConfig selects where results are persisted. An empty Driver keeps
// no results.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	// Events writes every engine event to the log output.
	Events bool `yaml:"events"`
	// Trace records every engine event as an OpenTelemetry span and logs
	// the finished spans.
	Trace bool `yaml:"trace"`
}

// Store drivers.
const (
	StoreNone   = ""
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
)

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		MaxConcurrency:     5,
		EnvironmentRetries: 3,
		DefaultTimeout:     30 * time.Second,
		IdleTimeout:        5 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		WaitMode:           "fail",
		Serve: ServeConfig{
			Address:     "127.0.0.1:9000",
			BaseURL:     "http://127.0.0.1:9000",
			Root:        ".",
			LoaderPath:  "/client.html",
			MetricsPath: "/metrics",
		},
		WebDriver: WebDriverConfig{URL: "http://127.0.0.1:4444"},
		Log:       LogConfig{Format: "text", Level: "info"},
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse reads YAML over Default and validates the result. Unknown keys are
// errors.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Wrap(err, "decode config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return errors.Errorf("maxConcurrency must be >= 0, got %d", c.MaxConcurrency)
	}
	if c.EnvironmentRetries < 0 {
		return errors.Errorf("environmentRetries must be >= 0, got %d", c.EnvironmentRetries)
	}
	for name, d := range map[string]time.Duration{
		"retryBaseDelay":    c.RetryBaseDelay,
		"retryMaxDelay":     c.RetryMaxDelay,
		"defaultTimeout":    c.DefaultTimeout,
		"idleTimeout":       c.IdleTimeout,
		"heartbeatInterval": c.HeartbeatInterval,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.RetryMaxDelay > 0 && c.RetryBaseDelay > c.RetryMaxDelay {
		return errors.New("retryMaxDelay must not be below retryBaseDelay")
	}
	if c.Grep != "" {
		if _, err := regexp.Compile(c.Grep); err != nil {
			return errors.Wrap(err, "grep")
		}
	}
	for i, env := range c.Environments {
		if len(env.Capabilities) == 0 {
			return errors.Errorf("environment %d (%s): capabilities are required", i, env.DisplayName())
		}
	}
	for _, p := range append(append([]string{}, c.Coverage.Include...), c.Coverage.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return errors.Errorf("coverage: invalid pattern %q", p)
		}
	}
	if len(c.Coverage.Include) > 0 && len(c.Coverage.Command) == 0 {
		return errors.New("coverage: include patterns require a command")
	}
	switch c.Store.Driver {
	case StoreNone, StoreMemory:
	case StoreSQLite, StoreMySQL:
		if c.Store.DSN == "" {
			return errors.Errorf("store: %s requires a dsn", c.Store.Driver)
		}
	default:
		return errors.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log: unknown format %q", c.Log.Format)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log level")
	}
	return nil
}
