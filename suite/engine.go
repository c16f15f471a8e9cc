package suite

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/suitegraph/metrics"
	"github.com/dshills/suitegraph/suite/emit"
)

// Engine executes suite trees and reports their lifecycle through an emitter.
//
// One Engine may run several independent trees concurrently; a single tree
// is only ever run by one Run call at a time.
type Engine struct {
	emitter  emit.Emitter
	runID    string
	metrics  *metrics.PrometheusMetrics
	logger   *zap.Logger
	defaults runDefaults

	suiteErrors atomic.Int64
}

// New creates an Engine that reports to emitter (a NullEmitter when nil).
func New(emitter emit.Emitter, opts ...Option) (*Engine, error) {
	cfg := engineConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	return &Engine{
		emitter: emitter,
		runID:   cfg.runID,
		metrics: cfg.metrics,
		logger:  cfg.logger,
		defaults: runDefaults{
			timeout: cfg.defaultTimeout,
			bail:    cfg.bail,
			grep:    cfg.grep,
		},
	}, nil
}

// RunID returns the id stamped on emitted events.
func (e *Engine) RunID() string { return e.runID }

// SuiteErrors returns how many suite-level hook failures the engine recorded.
func (e *Engine) SuiteErrors() int { return int(e.suiteErrors.Load()) }

// Run executes the tree rooted at root and returns its number of failed tests.
//
// Outcomes of the previous run are cleared first. Hook and test failures are
// recorded on the tree and reported as events; the returned error is a
// *UsageError when the tree cannot be run, or a *CancelError when ctx ended
// before the tree finished.
func (e *Engine) Run(ctx context.Context, root *Suite) (int, error) {
	if root == nil {
		return 0, &UsageError{Message: "root suite cannot be nil", Code: CodeInvalidNode}
	}
	if err := claim(root); err != nil {
		return 0, err
	}
	defer release(root)

	if root.parent == nil {
		d := e.defaults
		root.mu.Lock()
		root.defaults = &d
		root.mu.Unlock()
	}
	root.resetTree()

	err := e.runSuite(ctx, root)
	failed := root.NumFailedTests()
	if err != nil {
		e.logger.Warn("run cancelled",
			zap.String("run_id", e.runID),
			zap.String("suite", root.ID()),
			zap.Error(err))
	}
	return failed, err
}

// claim marks every suite in the subtree as running.
func claim(s *Suite) error {
	if !s.running.CompareAndSwap(false, true) {
		return &UsageError{Message: "suite " + s.ID() + " is already running", Code: CodeAlreadyRunning}
	}
	for i, child := range s.children {
		c, ok := child.(*Suite)
		if !ok {
			continue
		}
		if err := claim(c); err != nil {
			for _, prev := range s.children[:i] {
				if p, ok := prev.(*Suite); ok {
					release(p)
				}
			}
			s.running.Store(false)
			return err
		}
	}
	return nil
}

func release(s *Suite) {
	s.running.Store(false)
	for _, child := range s.children {
		if c, ok := child.(*Suite); ok {
			release(c)
		}
	}
}

// runSuite runs one suite node. Only cancellation is returned; everything
// else is recorded on the tree.
func (e *Engine) runSuite(ctx context.Context, s *Suite) error {
	start := time.Now()
	if !s.publishAfterSetup {
		e.emitSuiteStart(s)
	}

	var cancelled error
	setupErr := e.runHooks(ctx, s, s.before, "before", false)
	if s.publishAfterSetup {
		start = time.Now()
		e.emitSuiteStart(s)
	}
	if setupErr != nil {
		if se, ok := isSkip(setupErr); ok {
			s.setSkipped(Skip{Kind: SkipUser, Reason: se.Reason})
		} else if isCancel(setupErr) {
			cancelled = setupErr
		} else {
			e.suiteError(s, setupErr)
		}
	}

	if cancelled == nil {
		if s.follow != nil {
			if s.Error() == nil && s.Skipped() == nil {
				cancelled = e.followRemote(ctx, s)
			}
		} else {
			cancelled = e.runChildren(ctx, s)
		}
	} else {
		e.skipCancelled(s.children)
	}

	teardownCtx := ctx
	if ctx.Err() != nil {
		teardownCtx = context.WithoutCancel(ctx)
	}
	if err := e.runHooks(teardownCtx, s, s.after, "after", true); err != nil {
		if _, ok := isSkip(err); !ok {
			e.suiteError(s, err)
		}
	}

	s.setElapsed(time.Since(start))
	e.emitSuiteEnd(s)
	return cancelled
}

func (e *Engine) runChildren(ctx context.Context, s *Suite) error {
	for i, child := range s.children {
		if ctx.Err() != nil {
			e.skipCancelled(s.children[i:])
			return &CancelError{Message: "suite " + s.ID() + " interrupted", Cause: context.Cause(ctx)}
		}

		if skip := childSkip(s); skip != nil {
			e.skipNode(child, *skip)
			continue
		}

		var err error
		switch c := child.(type) {
		case *Test:
			err = e.runTest(ctx, c)
		case *Suite:
			err = e.runSuite(ctx, c)
		}
		if err != nil {
			e.skipCancelled(s.children[i+1:])
			return err
		}

		if s.Bail() && s.Skipped() == nil && triggersBail(child) {
			s.setSkipped(bailSkip)
		}
	}
	return nil
}

// skipCancelled settles nodes a cancelled run never reached.
func (e *Engine) skipCancelled(nodes []Node) {
	for _, n := range nodes {
		e.skipNode(n, cancelSkip)
	}
}

// childSkip returns the skip a child of s inherits, or nil when it should run.
func childSkip(s *Suite) *Skip {
	if sk := s.Skipped(); sk != nil {
		inherited := sk.inherit()
		return &inherited
	}
	if s.Error() != nil {
		return &Skip{Kind: SkipParent, Reason: "suite setup failed"}
	}
	return nil
}

func triggersBail(n Node) bool {
	switch c := n.(type) {
	case *Test:
		return c.failed()
	case *Suite:
		if sk := c.Skipped(); sk != nil && sk.Kind == SkipBail {
			return true
		}
		return c.failed()
	}
	return false
}

// skipNode marks n skipped without running it or any of its hooks.
func (e *Engine) skipNode(n Node, sk Skip) {
	switch c := n.(type) {
	case *Test:
		c.skip(sk)
		e.emitTestEnd(c)
	case *Suite:
		c.setSkipped(sk)
		e.emitSuiteStart(c)
		for _, child := range c.children {
			e.skipNode(child, sk.inherit())
		}
		e.emitSuiteEnd(c)
	}
}

func (e *Engine) runTest(ctx context.Context, t *Test) error {
	if g := t.parent.Grep(); g != nil && !g.MatchString(t.ID()) {
		t.skip(grepSkip)
		e.emitTestEnd(t)
		return nil
	}

	e.emit(emit.TestStart, t.parent, t.ID(), nil)
	start := time.Now()
	timeout := t.Timeout()

	var async bool
	err := e.runBeforeEach(ctx, t, timeout)
	if err == nil {
		c := newCall(t.ID(), "test", timeout)
		c.syncCheck = t.remoteSyncCheck
		t.setCall(c)
		err = invoke(ctx, c, func(ctx context.Context) error {
			if t.body == nil {
				return nil
			}
			return t.body(ctx, t)
		})
		async = c.isAsync()
		t.setCall(nil)
	}

	teardownCtx := ctx
	if ctx.Err() != nil {
		teardownCtx = context.WithoutCancel(ctx)
	}
	if afterErr := e.runAfterEach(teardownCtx, t, timeout); afterErr != nil {
		if _, skipped := isSkip(err); err == nil || skipped {
			err = afterErr
		}
	}

	var skip *Skip
	if se, ok := isSkip(err); ok {
		skip = &Skip{Kind: SkipUser, Reason: se.Reason}
		err = nil
	}
	t.settle(err, skip, time.Since(start), async)
	e.emitTestEnd(t)

	if isCancel(err) {
		return err
	}
	return nil
}

// chain returns the suites from the root down to t's parent.
func chain(t *Test) []*Suite {
	var out []*Suite
	for s := t.parent; s != nil; s = s.parent {
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// runBeforeEach runs beforeEach hooks root to leaf and stops at the first error.
func (e *Engine) runBeforeEach(ctx context.Context, t *Test, timeout time.Duration) error {
	for _, s := range chain(t) {
		for _, h := range s.beforeEach {
			if err := e.runTestHook(ctx, t, s, h, "beforeEach", timeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// runAfterEach runs afterEach hooks leaf to root. All hooks run; the first
// error is returned.
func (e *Engine) runAfterEach(ctx context.Context, t *Test, timeout time.Duration) error {
	var first error
	suites := chain(t)
	for i := len(suites) - 1; i >= 0; i-- {
		s := suites[i]
		for _, h := range s.afterEach {
			if err := e.runTestHook(ctx, t, s, h, "afterEach", timeout); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (e *Engine) runTestHook(ctx context.Context, t *Test, s *Suite, h TestHookFunc, what string, timeout time.Duration) error {
	c := newCall(t.ID(), what, timeout)
	t.setCall(c)
	defer t.setCall(nil)
	return invoke(ctx, c, func(ctx context.Context) error {
		return h(ctx, t, s)
	})
}

// runHooks runs suite-level hooks in order. With all set every hook runs and
// the first error is returned; otherwise the first error stops the list.
func (e *Engine) runHooks(ctx context.Context, s *Suite, hooks []HookFunc, what string, all bool) error {
	var first error
	for _, h := range hooks {
		c := newCall(s.ID(), what, s.Timeout())
		s.setCall(c)
		err := invoke(ctx, c, func(ctx context.Context) error {
			return h(ctx, s)
		})
		s.setCall(nil)
		if err == nil {
			continue
		}
		if !all || isCancel(err) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// suiteError records err on s and reports it.
func (e *Engine) suiteError(s *Suite, err error) {
	s.setError(err)
	e.suiteErrors.Add(1)
	e.metrics.IncrementSuiteErrors()
	e.logger.Warn("suite error",
		zap.String("run_id", e.runID),
		zap.String("suite", s.ID()),
		zap.Error(err))
	e.emit(emit.Error, s, s.ID(), map[string]interface{}{
		emit.MetaError:      err.Error(),
		emit.MetaSuiteError: true,
	})
}

func (e *Engine) emitSuiteStart(s *Suite) {
	e.emit(emit.SuiteStart, s, s.ID(), nil)
}

func (e *Engine) emitSuiteEnd(s *Suite) {
	meta := map[string]interface{}{
		emit.MetaNumTests:   s.NumTests(),
		emit.MetaNumFailed:  s.NumFailedTests(),
		emit.MetaNumSkipped: s.NumSkippedTests(),
		emit.MetaElapsedMs:  s.TimeElapsed().Milliseconds(),
	}
	if err := s.Error(); err != nil {
		meta[emit.MetaError] = err.Error()
	}
	if sk := s.Skipped(); sk != nil {
		meta[emit.MetaSkipped] = sk.Reason
		meta[emit.MetaSkipKind] = sk.Kind.String()
	}
	e.emit(emit.SuiteEnd, s, s.ID(), meta)
}

func (e *Engine) emitTestEnd(t *Test) {
	elapsed := t.TimeElapsed()
	meta := map[string]interface{}{
		emit.MetaPassed:    t.HasPassed(),
		emit.MetaElapsedMs: elapsed.Milliseconds(),
	}
	status := "passed"
	if err := t.Error(); err != nil {
		meta[emit.MetaError] = err.Error()
		status = "failed"
	}
	if sk := t.Skipped(); sk != nil {
		meta[emit.MetaSkipped] = sk.Reason
		meta[emit.MetaSkipKind] = sk.Kind.String()
		status = "skipped"
	}
	e.metrics.RecordTest(status, elapsed)
	e.emit(emit.TestEnd, t.parent, t.ID(), meta)
}

// emit stamps the run id and the session of the node's remote, if any.
func (e *Engine) emit(name string, s *Suite, nodeID string, meta map[string]interface{}) {
	ev := emit.Event{
		RunID:  e.runID,
		Name:   name,
		NodeID: nodeID,
		Time:   time.Now(),
		Meta:   meta,
	}
	if s != nil {
		if r := s.Remote(); r != nil {
			ev.SessionID = r.SessionID()
		}
	}
	e.emitEvent(ev)
}

func (e *Engine) emitEvent(ev emit.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("emitter panicked",
				zap.String("event", ev.Name),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	e.emitter.Emit(ev)
}
