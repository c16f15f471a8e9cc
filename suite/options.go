package suite

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/suitegraph/metrics"
)

// Option is a functional option for configuring an Engine.
//
//	engine, err := suite.New(emitter,
//	    suite.WithRunID(runID),
//	    suite.WithDefaultTimeout(10*time.Second),
//	    suite.WithGrep("checkout"),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	runID          string
	metrics        *metrics.PrometheusMetrics
	logger         *zap.Logger
	defaultTimeout time.Duration
	grep           *regexp.Regexp
	bail           *bool
}

// WithRunID sets the run id stamped on every emitted event.
// Default: a random UUID per engine.
func WithRunID(id string) Option {
	return func(cfg *engineConfig) error {
		cfg.runID = id
		return nil
	}
}

// WithMetrics records test outcomes and suite errors to Prometheus.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the logger for hook failures and cancellations.
// Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if l == nil {
			return &UsageError{Message: "logger cannot be nil", Code: CodeInvalidOption}
		}
		cfg.logger = l
		return nil
	}
}

// WithDefaultTimeout sets the timeout used when no suite in a test's parent
// chain sets one. Default: DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &UsageError{Message: fmt.Sprintf("default timeout must be >= 0, got %s", d), Code: CodeInvalidOption}
		}
		cfg.defaultTimeout = d
		return nil
	}
}

// WithGrep skips tests whose id does not match pattern, unless a suite sets
// its own pattern. An empty pattern disables filtering.
func WithGrep(pattern string) Option {
	return func(cfg *engineConfig) error {
		if pattern == "" {
			cfg.grep = nil
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &UsageError{Message: fmt.Sprintf("invalid grep pattern %q: %v", pattern, err), Code: CodeInvalidOption}
		}
		cfg.grep = re
		return nil
	}
}

// WithBail sets bail for root suites that do not set it themselves.
func WithBail(b bool) Option {
	return func(cfg *engineConfig) error {
		cfg.bail = &b
		return nil
	}
}
