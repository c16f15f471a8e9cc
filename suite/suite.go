package suite

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// HookFunc is a suite-level hook (Before, After).
type HookFunc func(ctx context.Context, s *Suite) error

// TestHookFunc is a per-test hook (BeforeEach, AfterEach). s is the suite
// that declared the hook, which may be an ancestor of t's parent.
type TestHookFunc func(ctx context.Context, t *Test, s *Suite) error

// SuiteOptions declares a Suite. Hooks run in slice order.
type SuiteOptions struct {
	Name string

	Before     []HookFunc
	After      []HookFunc
	BeforeEach []TestHookFunc
	AfterEach  []TestHookFunc

	// Timeout applies to hooks and tests in the subtree when > 0.
	Timeout time.Duration
	// Bail, when non-nil, overrides the inherited bail setting.
	Bail *bool
	// Grep, when non-nil, overrides the inherited grep pattern.
	Grep *regexp.Regexp
	// PublishAfterSetup emits suiteStart and starts timing after the Before
	// hooks instead of before them.
	PublishAfterSetup bool
}

// Suite is an internal or root node of the tree.
type Suite struct {
	name              string
	parent            *Suite
	children          []Node
	before            []HookFunc
	after             []HookFunc
	beforeEach        []TestHookFunc
	afterEach         []TestHookFunc
	timeout           time.Duration
	bail              *bool
	grep              *regexp.Regexp
	publishAfterSetup bool

	follow  *follower
	running atomic.Bool

	mu          sync.Mutex
	defaults    *runDefaults
	remote      Remote
	cur         *call
	err         error
	skipped     *Skip
	timeElapsed time.Duration
	counts      remoteCounts
}

// runDefaults are the engine-level settings a root suite falls back to.
type runDefaults struct {
	timeout time.Duration
	bail    *bool
	grep    *regexp.Regexp
}

// remoteCounts are test results reported by a remote session.
type remoteCounts struct {
	tests   int
	failed  int
	skipped int
}

// NewSuite creates an empty suite from opts.
func NewSuite(opts SuiteOptions) *Suite {
	return &Suite{
		name:              opts.Name,
		before:            append([]HookFunc(nil), opts.Before...),
		after:             append([]HookFunc(nil), opts.After...),
		beforeEach:        append([]TestHookFunc(nil), opts.BeforeEach...),
		afterEach:         append([]TestHookFunc(nil), opts.AfterEach...),
		timeout:           opts.Timeout,
		bail:              opts.Bail,
		grep:              opts.Grep,
		publishAfterSetup: opts.PublishAfterSetup,
	}
}

// Name returns the suite name.
func (s *Suite) Name() string { return s.name }

// Parent returns the enclosing suite, or nil for a root.
func (s *Suite) Parent() *Suite { return s.parent }

// ID returns the ancestor names and the suite name joined by IDSeparator.
func (s *Suite) ID() string { return nodeID(s.name, s.parent) }

// PublishAfterSetup reports whether suiteStart is emitted after the Before hooks.
func (s *Suite) PublishAfterSetup() bool { return s.publishAfterSetup }

func (s *Suite) attach(parent *Suite) error {
	if s.parent != nil {
		return &UsageError{Message: "suite " + s.ID() + " already belongs to a suite", Code: CodeAlreadyParented}
	}
	for p := parent; p != nil; p = p.parent {
		if p == s {
			return &UsageError{Message: "suite " + s.ID() + " cannot contain itself", Code: CodeInvalidNode}
		}
	}
	s.parent = parent
	return nil
}

// Add appends children in execution order.
func (s *Suite) Add(nodes ...Node) error {
	if s.follow != nil {
		return &UsageError{Message: "remote suite " + s.ID() + " cannot have local children", Code: CodeInvalidNode}
	}
	if s.running.Load() {
		return &UsageError{Message: "suite " + s.ID() + " is running", Code: CodeAlreadyRunning}
	}
	for _, n := range nodes {
		if n == nil {
			return &UsageError{Message: "nil node added to " + s.ID(), Code: CodeInvalidNode}
		}
		if err := n.attach(s); err != nil {
			return err
		}
		s.children = append(s.children, n)
	}
	return nil
}

// Children returns the direct children in execution order.
func (s *Suite) Children() []Node {
	out := make([]Node, len(s.children))
	copy(out, s.children)
	return out
}

// IsRemote reports whether the suite's tests run in a remote session.
func (s *Suite) IsRemote() bool { return s.follow != nil }

func (s *Suite) root() *Suite {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (s *Suite) inherited() *runDefaults {
	r := s.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

// Timeout resolves the timeout up the parent chain.
func (s *Suite) Timeout() time.Duration {
	for n := s; n != nil; n = n.parent {
		if n.timeout > 0 {
			return n.timeout
		}
	}
	if d := s.inherited(); d != nil && d.timeout > 0 {
		return d.timeout
	}
	return DefaultTimeout
}

// Bail resolves the bail setting up the parent chain.
func (s *Suite) Bail() bool {
	for n := s; n != nil; n = n.parent {
		if n.bail != nil {
			return *n.bail
		}
	}
	if d := s.inherited(); d != nil && d.bail != nil {
		return *d.bail
	}
	return false
}

// Grep resolves the grep pattern up the parent chain. Nil matches everything.
func (s *Suite) Grep() *regexp.Regexp {
	for n := s; n != nil; n = n.parent {
		if n.grep != nil {
			return n.grep
		}
	}
	if d := s.inherited(); d != nil {
		return d.grep
	}
	return nil
}

// Remote resolves the remote session up the parent chain.
func (s *Suite) Remote() Remote {
	for n := s; n != nil; n = n.parent {
		n.mu.Lock()
		r := n.remote
		n.mu.Unlock()
		if r != nil {
			return r
		}
	}
	return nil
}

// SetRemote installs the remote session for this subtree. It may be called
// once per suite instance; a second call returns a *UsageError.
func (s *Suite) SetRemote(r Remote) error {
	if r == nil {
		return &UsageError{Message: "nil remote for " + s.ID(), Code: CodeRemoteNotSet}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote != nil {
		return &UsageError{Message: "remote already set on " + s.ID(), Code: CodeRemoteAlreadySet}
	}
	s.remote = r
	return nil
}

// Error returns the suite-level failure of the last run, or nil.
func (s *Suite) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Skipped returns why the suite was skipped in the last run, or nil.
func (s *Suite) Skipped() *Skip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skipped == nil {
		return nil
	}
	sk := *s.skipped
	return &sk
}

// TimeElapsed returns how long the last run of the suite took.
func (s *Suite) TimeElapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeElapsed
}

// NumTests counts the tests in the subtree, including remotely reported ones.
func (s *Suite) NumTests() int {
	return s.count(func(*Test) bool { return true }, func(c remoteCounts) int { return c.tests })
}

// NumFailedTests counts the tests in the subtree that failed in the last run.
func (s *Suite) NumFailedTests() int {
	return s.count((*Test).failed, func(c remoteCounts) int { return c.failed })
}

// NumSkippedTests counts the tests in the subtree skipped in the last run.
func (s *Suite) NumSkippedTests() int {
	return s.count(func(t *Test) bool { return t.Skipped() != nil }, func(c remoteCounts) int { return c.skipped })
}

func (s *Suite) count(local func(*Test) bool, remote func(remoteCounts) int) int {
	s.mu.Lock()
	n := remote(s.counts)
	s.mu.Unlock()
	for _, child := range s.children {
		switch c := child.(type) {
		case *Test:
			if local(c) {
				n++
			}
		case *Suite:
			n += c.count(local, remote)
		}
	}
	return n
}

// Async switches the running Before or After hook to asynchronous completion.
// See Test.Async.
func (s *Suite) Async(timeout time.Duration, n int) *Deferred {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil {
		d := NewDeferred(1)
		d.Reject(&UsageError{Message: "Async called on " + s.ID() + " outside a running hook", Code: CodeAsyncOutsideRun})
		return d
	}
	return c.requestAsync(timeout, n)
}

// Skip returns the error a Before hook returns to skip the whole suite.
// Outside a running hook it returns a *UsageError.
func (s *Suite) Skip(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return &UsageError{Message: "Skip called on " + s.ID() + " outside a running hook", Code: CodeSkipOutsideRun}
	}
	return &SkipError{Reason: reason}
}

func (s *Suite) setCall(c *call) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}

// resetTree clears the outcome of the last run in the whole subtree.
func (s *Suite) resetTree() {
	s.mu.Lock()
	s.cur = nil
	s.err = nil
	s.skipped = nil
	s.timeElapsed = 0
	s.counts = remoteCounts{}
	s.mu.Unlock()
	for _, child := range s.children {
		switch c := child.(type) {
		case *Test:
			c.reset()
		case *Suite:
			c.resetTree()
		}
	}
}

func (s *Suite) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Suite) setSkipped(sk Skip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = &sk
}

func (s *Suite) setElapsed(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeElapsed = d
}

func (s *Suite) addCounts(tests, failed, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts.tests += tests
	s.counts.failed += failed
	s.counts.skipped += skipped
}

// failed reports whether the suite counts as a failed child for bail.
func (s *Suite) failed() bool {
	return s.Error() != nil || s.NumFailedTests() > 0
}
