package remote

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/suitegraph/metrics"
)

type stubSession struct {
	id string
}

func (s *stubSession) SessionID() string                      { return s.id }
func (s *stubSession) Navigate(context.Context, string) error { return nil }
func (s *stubSession) Quit(context.Context) error             { return nil }
func (s *stubSession) Heartbeat(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return nil
}
func (s *stubSession) Execute(context.Context, string, ...interface{}) (json.RawMessage, error) {
	return nil, nil
}

// flakyFactory fails the first failures calls.
func flakyFactory(failures int, calls *atomic.Int32) Factory {
	return FactoryFunc(func(ctx context.Context, _ Capabilities) (Session, error) {
		n := calls.Add(1)
		if int(n) <= failures {
			return nil, errors.New("grid busy")
		}
		return &stubSession{id: "s1"}, nil
	})
}

func counter(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "suitegraph_session_acquire_attempts_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestAcquireRetriesImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := prometheus.NewRegistry()
	a, err := NewAcquirer(flakyFactory(2, &calls), ImmediateRetry(2), WithMetrics(metrics.NewPrometheusMetrics(reg)))
	require.NoError(t, err)

	start := time.Now()
	s, err := a.Acquire(context.Background(), Capabilities{"browserName": "firefox"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.SessionID())
	assert.Equal(t, int32(3), calls.Load())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Equal(t, float64(2), counter(t, reg, "retry"))
	assert.Equal(t, float64(1), counter(t, reg, "success"))
}

func TestAcquireGivesUp(t *testing.T) {
	var calls atomic.Int32
	a, err := NewAcquirer(flakyFactory(10, &calls), ImmediateRetry(2))
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), Capabilities{"browserName": "chrome", "browserVersion": "120"})
	var acqErr *AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, 3, acqErr.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, err.Error(), "chrome 120")
	assert.Contains(t, err.Error(), "grid busy")
}

func TestAcquireDoesNotRetryCancellation(t *testing.T) {
	var calls atomic.Int32
	f := FactoryFunc(func(ctx context.Context, _ Capabilities) (Session, error) {
		calls.Add(1)
		return nil, context.Canceled
	})
	a, err := NewAcquirer(f, ImmediateRetry(5))
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Acquire(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAcquireRespectsRetryable(t *testing.T) {
	var calls atomic.Int32
	policy := ImmediateRetry(5)
	policy.Retryable = func(error) bool { return false }
	a, err := NewAcquirer(flakyFactory(10, &calls), policy)
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), nil)
	var acqErr *AcquireError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, 1, acqErr.Attempts)
}

func TestAcquireBackoffCancelled(t *testing.T) {
	var calls atomic.Int32
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
	a, err := NewAcquirer(flakyFactory(10, &calls), policy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"immediate", ImmediateRetry(0), true},
		{"backoff", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, true},
		{"zero attempts", RetryPolicy{}, false},
		{"negative delay", RetryPolicy{MaxAttempts: 1, BaseDelay: -1}, false},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRetryPolicy)
			}
		})
	}

	_, err := NewAcquirer(nil, ImmediateRetry(1))
	assert.Error(t, err)
	assert.Equal(t, 1, ImmediateRetry(-3).MaxAttempts)
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, time.Duration(0), computeBackoff(3, 0, time.Second, rng))

	base := 10 * time.Millisecond
	for attempt, want := range []time.Duration{10, 20, 40, 80} {
		d := computeBackoff(attempt, base, time.Second, rng)
		assert.GreaterOrEqual(t, d, want*time.Millisecond)
		assert.Less(t, d, want*time.Millisecond+base)
	}

	d := computeBackoff(20, base, 50*time.Millisecond, rng)
	assert.GreaterOrEqual(t, d, 50*time.Millisecond)
	assert.Less(t, d, 60*time.Millisecond)
}

func TestRunHeartbeat(t *testing.T) {
	var pings atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunHeartbeat(ctx, 5*time.Millisecond, func(context.Context) error {
			pings.Add(1)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRunHeartbeatGivesUp(t *testing.T) {
	err := RunHeartbeat(context.Background(), time.Millisecond, func(context.Context) error {
		return errors.New("gone")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}

func TestRunHeartbeatDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, RunHeartbeat(ctx, 0, func(context.Context) error {
		t.Error("ping called")
		return nil
	}))
}

// fakeDriver is a minimal W3C WebDriver server.
type fakeDriver struct {
	mu       sync.Mutex
	requests []string
	navigate string
	failNew  int
}

func (f *fakeDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	failNew := f.failNew > 0
	if failNew && r.URL.Path == "/session" {
		f.failNew--
	}
	f.mu.Unlock()

	reply := func(status int, value interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"value": value})
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		if failNew {
			reply(http.StatusInternalServerError, map[string]string{"error": "session not created", "message": "no free slot"})
			return
		}
		var body struct {
			Capabilities struct {
				AlwaysMatch map[string]interface{} `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		reply(http.StatusOK, map[string]interface{}{"sessionId": "abc", "capabilities": body.Capabilities.AlwaysMatch})
	case r.Method == http.MethodPost && r.URL.Path == "/session/abc/url":
		var body struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.navigate = body.URL
		f.mu.Unlock()
		reply(http.StatusOK, nil)
	case r.Method == http.MethodGet && r.URL.Path == "/session/abc/url":
		reply(http.StatusOK, "http://controller/")
	case r.Method == http.MethodPost && r.URL.Path == "/session/abc/execute/sync":
		reply(http.StatusOK, map[string]int{"answer": 42})
	case r.Method == http.MethodDelete && r.URL.Path == "/session/abc":
		reply(http.StatusOK, nil)
	default:
		reply(http.StatusNotFound, map[string]string{"error": "invalid session id", "message": "unknown session"})
	}
}

func (f *fakeDriver) navigated() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.navigate
}

func (f *fakeDriver) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func TestWebDriverSession(t *testing.T) {
	fake := &fakeDriver{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	wd, err := NewWebDriver(srv.URL + "/")
	require.NoError(t, err)

	ctx := context.Background()
	s, err := wd.CreateSession(ctx, Capabilities{"browserName": "firefox"})
	require.NoError(t, err)
	assert.Equal(t, "abc", s.SessionID())

	require.NoError(t, s.Navigate(ctx, "http://controller/client.html?session=abc"))
	assert.Equal(t, "http://controller/client.html?session=abc", fake.navigated())

	result, err := s.Execute(ctx, "return {answer: 42}")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(result))

	hbCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Heartbeat(hbCtx, 5*time.Millisecond))

	require.NoError(t, s.Quit(ctx))
	seen := fake.seen()
	assert.Contains(t, seen, "GET /session/abc/url")
	assert.Equal(t, "DELETE /session/abc", seen[len(seen)-1])
}

func TestWebDriverErrors(t *testing.T) {
	fake := &fakeDriver{failNew: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	wd, err := NewWebDriver(srv.URL)
	require.NoError(t, err)

	_, err = wd.CreateSession(context.Background(), nil)
	var wdErr *WebDriverError
	require.ErrorAs(t, err, &wdErr)
	assert.Equal(t, "session not created", wdErr.Code)
	assert.Equal(t, "no free slot", wdErr.Message)
	assert.True(t, IsTemporary(err))

	stale := &webDriverSession{driver: wd, id: "gone"}
	err = stale.Navigate(context.Background(), "http://x/")
	require.ErrorAs(t, err, &wdErr)
	assert.Equal(t, http.StatusNotFound, wdErr.Status)
	assert.False(t, IsTemporary(err))

	_, err = NewWebDriver("ftp://grid")
	assert.Error(t, err)
}

func TestWebDriverWithAcquirer(t *testing.T) {
	fake := &fakeDriver{failNew: 2}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	wd, err := NewWebDriver(srv.URL)
	require.NoError(t, err)
	policy := ImmediateRetry(2)
	policy.Retryable = IsTemporary
	a, err := NewAcquirer(wd, policy)
	require.NoError(t, err)

	s, err := a.Acquire(context.Background(), Capabilities{"browserName": "firefox"})
	require.NoError(t, err)
	assert.Equal(t, "abc", s.SessionID())

	creates := 0
	for _, r := range fake.seen() {
		if r == "POST /session" {
			creates++
		}
	}
	assert.Equal(t, 3, creates)
}

func TestCapabilitiesName(t *testing.T) {
	assert.Equal(t, "environment", Capabilities{}.Name())
	assert.Equal(t, "firefox", Capabilities{"browserName": "firefox"}.Name())
	assert.Equal(t, "chrome 120", Capabilities{"browserName": "chrome", "browserVersion": "120"}.Name())
}
