// Package runner runs one remote root suite per configured environment.
//
// Each root suite acquires a session in its Before hook, follows the
// session's events through the channel until the remote run ends and
// releases the session in its After hook. Roots are scheduled with at most
// MaxConcurrency running at once; a failing environment never stops the
// others.
package runner

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dshills/suitegraph/channel"
	"github.com/dshills/suitegraph/config"
	"github.com/dshills/suitegraph/metrics"
	"github.com/dshills/suitegraph/remote"
	"github.com/dshills/suitegraph/scheduler"
	"github.com/dshills/suitegraph/suite"
	"github.com/dshills/suitegraph/suite/emit"
)

// quitTimeout bounds releasing a session.
const quitTimeout = 30 * time.Second

var (
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("runner: already initialized")
	// ErrNotInitialized is returned by Run before Init.
	ErrNotInitialized = errors.New("runner: not initialized")
	// ErrRunning is returned by Run while another Run is in progress.
	ErrRunning = errors.New("runner: already running")
	// ErrNoEnvironments is returned by Init for a config without environments.
	ErrNoEnvironments = errors.New("runner: no environments configured")
)

// Result summarizes a run across all environments.
type Result struct {
	NumTests     int
	NumFailed    int
	NumSkipped   int
	SuiteErrors  int
	Environments []EnvironmentResult
}

// Failed reports whether any test failed or any suite errored.
func (r Result) Failed() bool {
	return r.NumFailed > 0 || r.SuiteErrors > 0
}

// EnvironmentResult is the outcome of one environment's root suite.
type EnvironmentResult struct {
	Name       string
	SessionID  string
	NumTests   int
	NumFailed  int
	NumSkipped int
	Err        error
	Elapsed    time.Duration
}

// Runner drives the configured environments. Init must be called exactly
// once before Run.
type Runner struct {
	factory remote.Factory
	source  *channel.Channel
	emitter emit.Emitter
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
	runID   string

	initialized atomic.Bool
	running     atomic.Bool

	cfg      config.Config
	engine   *suite.Engine
	acquirer *remote.Acquirer
}

// Option configures a Runner.
type Option func(*Runner)

// WithEmitter sets where run, suite and test events go.
func WithEmitter(e emit.Emitter) Option {
	return func(r *Runner) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithLogger sets the runner logger, shared with the engine and acquirer.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records scheduler, engine and acquisition metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// New creates a Runner acquiring sessions from factory and following them
// through source.
func New(factory remote.Factory, source *channel.Channel, opts ...Option) (*Runner, error) {
	if factory == nil {
		return nil, errors.New("runner: factory must not be nil")
	}
	if source == nil {
		return nil, errors.New("runner: channel must not be nil")
	}
	r := &Runner{
		factory: factory,
		source:  source,
		emitter: emit.NewNullEmitter(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Init validates cfg and prepares the engine. It may be called once.
func (r *Runner) Init(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "runner config")
	}
	if len(cfg.Environments) == 0 {
		return ErrNoEnvironments
	}
	if !r.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	engine, err := suite.New(r.emitter,
		suite.WithRunID(r.runID),
		suite.WithLogger(r.logger),
		suite.WithMetrics(r.metrics),
		suite.WithDefaultTimeout(cfg.DefaultTimeout),
		suite.WithGrep(cfg.Grep),
		suite.WithBail(cfg.Bail))
	if err != nil {
		r.initialized.Store(false)
		return errors.Wrap(err, "runner engine")
	}

	policy := remote.RetryPolicy{
		MaxAttempts: cfg.EnvironmentRetries + 1,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	acquirer, err := remote.NewAcquirer(r.factory, policy,
		remote.WithLogger(r.logger),
		remote.WithMetrics(r.metrics))
	if err != nil {
		r.initialized.Store(false)
		return errors.Wrap(err, "runner acquirer")
	}

	r.cfg = cfg
	r.engine = engine
	r.acquirer = acquirer
	return nil
}

// RunID returns the id of the runner's events. It is empty before Init
// unless set with WithRunID.
func (r *Runner) RunID() string {
	if r.engine != nil {
		return r.engine.RunID()
	}
	return r.runID
}

// Run executes every environment and returns the combined result. When ctx
// ends, queued environments are discarded, running ones are cancelled and
// Run returns ctx's cause together with what was collected.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.initialized.Load() {
		return Result{}, ErrNotInitialized
	}
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunning
	}
	defer r.running.Store(false)

	start := time.Now()
	suiteErrorsBefore := r.engine.SuiteErrors()
	envs := make([]*environment, len(r.cfg.Environments))
	for i, ec := range r.cfg.Environments {
		envs[i] = r.newEnvironment(ctx, ec)
	}

	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = env.cfg.DisplayName()
	}
	r.emit(emit.RunStart, map[string]interface{}{
		emit.MetaEnvironment: names,
	})

	sched := scheduler.New(r.cfg.MaxConcurrency,
		scheduler.WithLogger(r.logger),
		scheduler.WithMetrics(r.metrics))
	for _, env := range envs {
		if err := sched.Submit(ctx, func(ctx context.Context) error {
			_, err := r.engine.Run(ctx, env.root)
			return err
		}); err != nil {
			return Result{}, errors.Wrap(err, "schedule environment")
		}
	}
	stop := context.AfterFunc(ctx, sched.CancelAll)
	defer stop()

	waitErr := sched.Wait(context.WithoutCancel(ctx))

	res := Result{SuiteErrors: r.engine.SuiteErrors() - suiteErrorsBefore}
	for _, env := range envs {
		er := env.result()
		res.NumTests += er.NumTests
		res.NumFailed += er.NumFailed
		res.NumSkipped += er.NumSkipped
		res.Environments = append(res.Environments, er)
	}

	r.emit(emit.RunEnd, map[string]interface{}{
		emit.MetaNumTests:       res.NumTests,
		emit.MetaNumFailed:      res.NumFailed,
		emit.MetaNumSkipped:     res.NumSkipped,
		emit.MetaNumSuiteErrors: res.SuiteErrors,
		emit.MetaElapsedMs:      time.Since(start).Milliseconds(),
	})
	r.logger.Info("run finished",
		zap.String("run_id", r.RunID()),
		zap.Int("tests", res.NumTests),
		zap.Int("failed", res.NumFailed),
		zap.Int("skipped", res.NumSkipped),
		zap.Int("suite_errors", res.SuiteErrors),
		zap.Duration("elapsed", time.Since(start)))

	if ctx.Err() != nil {
		return res, context.Cause(ctx)
	}
	if waitErr != nil {
		return res, errors.Wrap(waitErr, "run environments")
	}
	return res, nil
}

func (r *Runner) emit(name string, meta map[string]interface{}) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("emitter panicked", zap.String("event", name), zap.Any("panic", p))
		}
	}()
	r.emitter.Emit(emit.Event{
		RunID: r.RunID(),
		Name:  name,
		Time:  time.Now(),
		Meta:  meta,
	})
}

// loaderURL is the page a session is sent to once its subscription exists.
func (r *Runner) loaderURL(sessionID string) string {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("runId", r.RunID())
	q.Set("waitMode", channel.ParseWaitMode(r.cfg.WaitMode).String())
	if r.cfg.Grep != "" {
		q.Set("grep", r.cfg.Grep)
	}
	if r.cfg.Bail {
		q.Set("bail", strconv.FormatBool(true))
	}
	return r.cfg.Serve.BaseURL + r.cfg.Serve.LoaderPath + "?" + q.Encode()
}

// environment is the per-run state of one configured environment.
type environment struct {
	r      *Runner
	cfg    config.Environment
	runCtx context.Context
	root   *suite.Suite

	mu        sync.Mutex
	session   remote.Session
	heartbeat context.CancelFunc
	beatDone  chan struct{}
}

func (r *Runner) newEnvironment(runCtx context.Context, ec config.Environment) *environment {
	env := &environment{r: r, cfg: ec, runCtx: runCtx}
	env.root = suite.NewRemoteSuite(suite.SuiteOptions{
		Name:              ec.DisplayName(),
		Before:            []suite.HookFunc{env.acquire},
		After:             []suite.HookFunc{env.release},
		PublishAfterSetup: r.cfg.PublishAfterSetup,
	}, suite.RemoteOptions{
		Source:      r.source,
		URL:         r.loaderURL,
		IdleTimeout: r.cfg.IdleTimeout,
	})
	return env
}

// acquire creates the session, installs it on the root and starts the
// heartbeat.
func (env *environment) acquire(ctx context.Context, s *suite.Suite) error {
	sess, err := env.r.acquirer.Acquire(ctx, remote.Capabilities(env.cfg.Capabilities))
	if err != nil {
		return err
	}
	if err := s.SetRemote(sess); err != nil {
		quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quitTimeout)
		defer cancel()
		_ = sess.Quit(quitCtx)
		return err
	}

	hbCtx, stop := context.WithCancel(env.runCtx)
	done := make(chan struct{})
	env.mu.Lock()
	env.session = sess
	env.heartbeat = stop
	env.beatDone = done
	env.mu.Unlock()

	go func() {
		defer close(done)
		if err := sess.Heartbeat(hbCtx, env.r.cfg.HeartbeatInterval); err != nil {
			env.r.logger.Warn("session heartbeat stopped",
				zap.String("environment", env.cfg.DisplayName()),
				zap.String("session", sess.SessionID()),
				zap.Error(err))
		}
	}()
	return nil
}

// release stops the heartbeat, quits the session and forgets its channel
// state. It runs even when acquisition failed.
func (env *environment) release(ctx context.Context, _ *suite.Suite) error {
	env.mu.Lock()
	sess, stop, done := env.session, env.heartbeat, env.beatDone
	env.mu.Unlock()
	if sess == nil {
		return nil
	}
	stop()
	<-done
	defer env.r.source.Close(sess.SessionID())

	quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quitTimeout)
	defer cancel()
	if err := sess.Quit(quitCtx); err != nil {
		return errors.Wrapf(err, "quit session %s", sess.SessionID())
	}
	return nil
}

func (env *environment) result() EnvironmentResult {
	er := EnvironmentResult{
		Name:       env.cfg.DisplayName(),
		NumTests:   env.root.NumTests(),
		NumFailed:  env.root.NumFailedTests(),
		NumSkipped: env.root.NumSkippedTests(),
		Err:        env.root.Error(),
		Elapsed:    env.root.TimeElapsed(),
	}
	env.mu.Lock()
	if env.session != nil {
		er.SessionID = env.session.SessionID()
	}
	env.mu.Unlock()
	return er
}
