package suite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout applies when no node in the parent chain sets a timeout.
const DefaultTimeout = 30 * time.Second

// TestFunc is a test body. Returning nil passes the test, returning the
// result of t.Skip skips it, and returning Pending or calling t.Async makes
// it complete asynchronously.
type TestFunc func(ctx context.Context, t *Test) error

// TestOptions declares a Test.
type TestOptions struct {
	Name string
	Body TestFunc
	// Timeout overrides the inherited timeout when > 0.
	Timeout time.Duration
}

// Test is a leaf of the tree.
type Test struct {
	name    string
	parent  *Suite
	body    TestFunc
	timeout time.Duration

	mu          sync.Mutex
	cur         *call
	err         error
	skipped     *Skip
	hasPassed   bool
	timeElapsed time.Duration
	isAsync     bool

	inflight atomic.Int32
}

// NewTest creates a test from opts.
func NewTest(opts TestOptions) *Test {
	return &Test{
		name:    opts.Name,
		body:    opts.Body,
		timeout: opts.Timeout,
	}
}

// Name returns the test name.
func (t *Test) Name() string { return t.name }

// Parent returns the owning suite, or nil before the test is added to one.
func (t *Test) Parent() *Suite { return t.parent }

// ID returns the ancestor names and the test name joined by IDSeparator.
func (t *Test) ID() string { return nodeID(t.name, t.parent) }

func (t *Test) attach(parent *Suite) error {
	if t.parent != nil {
		return &UsageError{Message: "test " + t.ID() + " already belongs to a suite", Code: CodeAlreadyParented}
	}
	t.parent = parent
	return nil
}

// Timeout returns the test's own timeout or the first one set up the parent chain.
func (t *Test) Timeout() time.Duration {
	if t.timeout > 0 {
		return t.timeout
	}
	if t.parent != nil {
		return t.parent.Timeout()
	}
	return DefaultTimeout
}

// Error returns the failure recorded by the last run, or nil.
func (t *Test) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Skipped returns why the test was skipped in the last run, or nil.
func (t *Test) Skipped() *Skip {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.skipped == nil {
		return nil
	}
	s := *t.skipped
	return &s
}

// HasPassed reports whether the last run passed.
func (t *Test) HasPassed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasPassed
}

// TimeElapsed returns how long the last run took.
func (t *Test) TimeElapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeElapsed
}

// IsAsync reports whether the body completed asynchronously in the last run.
func (t *Test) IsAsync() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isAsync
}

// Async switches the running body to asynchronous completion and restarts its
// timer with timeout (the test's timeout when <= 0). The test settles when
// the returned Deferred has been resolved n times or rejected once. Calling
// Async again returns the same Deferred.
//
// Outside a running body or hook the returned Deferred is already rejected
// with a *UsageError.
func (t *Test) Async(timeout time.Duration, n int) *Deferred {
	t.mu.Lock()
	c := t.cur
	t.mu.Unlock()
	if c == nil {
		d := NewDeferred(1)
		d.Reject(&UsageError{Message: "Async called on " + t.ID() + " outside a running body", Code: CodeAsyncOutsideRun})
		return d
	}
	return c.requestAsync(timeout, n)
}

// Skip returns the error a body or each-hook returns to skip this test.
// Outside a running body or hook it returns a *UsageError.
func (t *Test) Skip(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return &UsageError{Message: "Skip called on " + t.ID() + " outside a running body", Code: CodeSkipOutsideRun}
	}
	return &SkipError{Reason: reason}
}

// Remote returns the remote session resolved up the parent chain, or nil.
// Commands issued through it must have completed by the time a synchronous
// body returns.
func (t *Test) Remote() Remote {
	if t.parent == nil {
		return nil
	}
	r := t.parent.Remote()
	if r == nil {
		return nil
	}
	return trackedRemote{Remote: r, inflight: &t.inflight}
}

func (t *Test) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = nil
	t.err = nil
	t.skipped = nil
	t.hasPassed = false
	t.timeElapsed = 0
	t.isAsync = false
}

func (t *Test) setCall(c *call) {
	t.mu.Lock()
	t.cur = c
	t.mu.Unlock()
}

// remoteSyncCheck fails a synchronous body that returned with remote
// commands still outstanding.
func (t *Test) remoteSyncCheck() error {
	if t.inflight.Load() > 0 {
		return &UsageError{
			Message: "test " + t.ID() + " returned with remote commands in flight; use Async or Pending",
			Code:    CodeRemoteInSyncTest,
		}
	}
	return nil
}

// settle records exactly one outcome for the run.
func (t *Test) settle(err error, skip *Skip, elapsed time.Duration, async bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = nil
	t.timeElapsed = elapsed
	t.isAsync = async
	switch {
	case err != nil:
		t.err = err
	case skip != nil:
		t.skipped = skip
	default:
		t.hasPassed = true
	}
}

func (t *Test) skip(s Skip) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped = &s
}

func (t *Test) failed() bool {
	return t.Error() != nil
}
