package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dshills/suitegraph/metrics"
)

// ErrInvalidRetryPolicy is returned for a RetryPolicy that fails Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy controls how often and how fast session creation is retried.
type RetryPolicy struct {
	// MaxAttempts is the number of creation attempts including the first.
	// Must be >= 1.
	MaxAttempts int

	// BaseDelay is the base of the exponential backoff between attempts.
	// Zero retries immediately.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether a failure is retried. Nil retries every
	// failure. Cancellation is never retried.
	Retryable func(error) bool
}

// ImmediateRetry returns a policy making retries+1 attempts with no delay.
func ImmediateRetry(retries int) RetryPolicy {
	if retries < 0 {
		retries = 0
	}
	return RetryPolicy{MaxAttempts: retries + 1}
}

// Validate checks the policy.
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return errors.Wrapf(ErrInvalidRetryPolicy, "max attempts %d", rp.MaxAttempts)
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return errors.Wrap(ErrInvalidRetryPolicy, "negative delay")
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return errors.Wrap(ErrInvalidRetryPolicy, "max delay below base delay")
	}
	return nil
}

func (rp RetryPolicy) retryable(err error) bool {
	if isCancellation(err) {
		return false
	}
	return rp.Retryable == nil || rp.Retryable(err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// computeBackoff returns the delay before retry number attempt (0 based):
// min(base * 2^attempt, maxDelay) plus jitter in [0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := base * (1 << attempt)
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing
	}
	return delay + jitter
}

// AcquireError reports a session that could not be created.
type AcquireError struct {
	Capabilities Capabilities
	Attempts     int
	Err          error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: gave up after %d attempt(s): %v", e.Capabilities.Name(), e.Attempts, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Acquirer creates sessions through a Factory under a RetryPolicy.
type Acquirer struct {
	factory Factory
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
	rng     *rand.Rand
}

// AcquireOption configures an Acquirer.
type AcquireOption func(*Acquirer)

// WithLogger sets the acquirer logger.
func WithLogger(l *zap.Logger) AcquireOption {
	return func(a *Acquirer) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records every attempt's outcome.
func WithMetrics(m *metrics.PrometheusMetrics) AcquireOption {
	return func(a *Acquirer) {
		a.metrics = m
	}
}

// WithRand sets the jitter source.
func WithRand(rng *rand.Rand) AcquireOption {
	return func(a *Acquirer) {
		a.rng = rng
	}
}

// NewAcquirer validates policy and returns an Acquirer.
func NewAcquirer(f Factory, policy RetryPolicy, opts ...AcquireOption) (*Acquirer, error) {
	if f == nil {
		return nil, errors.New("factory must not be nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	a := &Acquirer{factory: f, policy: policy, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Acquire creates a session, retrying failures the policy allows. A
// cancelled ctx or a cancellation error from the factory stops at once and
// returns the cancellation. Exhausted retries return an *AcquireError.
func (a *Acquirer) Acquire(ctx context.Context, caps Capabilities) (Session, error) {
	var lastErr error
	for attempt := 0; attempt < a.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			a.metrics.RecordAcquireAttempt("cancelled")
			return nil, err
		}
		if attempt > 0 {
			if err := a.sleep(ctx, computeBackoff(attempt-1, a.policy.BaseDelay, a.policy.MaxDelay, a.rng)); err != nil {
				a.metrics.RecordAcquireAttempt("cancelled")
				return nil, err
			}
		}

		s, err := a.factory.CreateSession(ctx, caps)
		if err == nil {
			a.metrics.RecordAcquireAttempt("success")
			a.logger.Info("session acquired",
				zap.String("environment", caps.Name()),
				zap.String("session", s.SessionID()),
				zap.Int("attempt", attempt+1))
			return s, nil
		}
		lastErr = err

		if isCancellation(err) || ctx.Err() != nil {
			a.metrics.RecordAcquireAttempt("cancelled")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if !a.policy.retryable(err) {
			a.metrics.RecordAcquireAttempt("failure")
			return nil, &AcquireError{Capabilities: caps, Attempts: attempt + 1, Err: err}
		}
		if attempt == a.policy.MaxAttempts-1 {
			break
		}
		a.metrics.RecordAcquireAttempt("retry")
		a.logger.Warn("session creation failed",
			zap.String("environment", caps.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", a.policy.MaxAttempts),
			zap.Error(err))
	}
	a.metrics.RecordAcquireAttempt("failure")
	return nil, &AcquireError{Capabilities: caps, Attempts: a.policy.MaxAttempts, Err: lastErr}
}

func (a *Acquirer) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
