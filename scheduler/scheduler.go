// Package scheduler runs independent tasks with a bounded number of them
// active at once.
//
// Tasks start in submission order (FIFO). A failing task never stops the
// others; failures are collected and reported by Wait once everything that was
// submitted has finished. CancelAll discards tasks that have not started yet
// and cancels the contexts of the running ones.
//
// The same scheduler backs two levels of the system: the runner bounds how
// many remote environments run at once, and the session channel uses a
// single-slot scheduler per session as an ordered dispatch queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/suitegraph/metrics"
)

// Unbounded disables the concurrency limit.
const Unbounded = 0

var (
	// ErrTasksFailed is matched by the error Wait returns when at least one task failed.
	ErrTasksFailed = errors.New("scheduler: one or more tasks failed")
	// ErrNilTask is returned by Submit for a nil task.
	ErrNilTask = errors.New("scheduler: task is nil")
)

// Task is one unit of scheduled work. The context is cancelled by CancelAll
// or when the context given to Submit is cancelled.
type Task func(ctx context.Context) error

// TaskError aggregates the failures of a scheduler's tasks.
type TaskError struct {
	Errors []error
}

func (e *TaskError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d task(s) failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Is makes errors.Is(err, ErrTasksFailed) true.
func (e *TaskError) Is(target error) bool {
	return target == ErrTasksFailed
}

// Unwrap exposes the individual task failures to errors.Is/As.
func (e *TaskError) Unwrap() []error {
	return e.Errors
}

// Stats reports scheduler counters.
type Stats struct {
	Submitted int
	Started   int
	Completed int
	Failed    int
	Discarded int
	Active    int
	Queued    int
	// PeakActive is the highest number of simultaneously active tasks seen.
	PeakActive int
}

type entry struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	task   Task
}

// Scheduler is a FIFO task queue with an active-count limit.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	max     int
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics

	mu      sync.Mutex
	queue   []*entry
	active  map[uint64]*entry
	nextID  uint64
	errs    []error
	idle    chan struct{} // closed when no task is queued or active
	stats   Stats
	pending int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for task failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics publishes active/queued counts to Prometheus.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler running at most maxConcurrency tasks at once.
// Values <= 0 mean Unbounded.
func New(maxConcurrency int, opts ...Option) *Scheduler {
	if maxConcurrency < 0 {
		maxConcurrency = Unbounded
	}
	s := &Scheduler{
		max:    maxConcurrency,
		logger: zap.NewNop(),
		active: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues task. It starts immediately when a slot is free, otherwise it
// waits behind every task submitted before it. Submit never blocks.
func (s *Scheduler) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if ctx == nil {
		ctx = context.Background()
	}
	taskCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.nextID++
	e := &entry{id: s.nextID, ctx: taskCtx, cancel: cancel, task: task}
	s.stats.Submitted++
	s.pending++
	if s.max == Unbounded || len(s.active) < s.max {
		s.startLocked(e)
	} else {
		s.queue = append(s.queue, e)
	}
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// startLocked runs e, or discards it when its context ended while it was queued.
func (s *Scheduler) startLocked(e *entry) {
	if e.ctx.Err() != nil {
		e.cancel()
		s.stats.Discarded++
		s.finishLocked(1)
		return
	}
	s.active[e.id] = e
	s.stats.Started++
	if len(s.active) > s.stats.PeakActive {
		s.stats.PeakActive = len(s.active)
	}
	go s.execute(e)
}

func (s *Scheduler) execute(e *entry) {
	err := run(e)
	e.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, e.id)
	s.stats.Completed++
	if err != nil {
		s.stats.Failed++
		s.errs = append(s.errs, err)
		s.logger.Debug("scheduled task failed", zap.Uint64("task", e.id), zap.Error(err))
	}

	for len(s.queue) > 0 && (s.max == Unbounded || len(s.active) < s.max) {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.startLocked(next)
	}
	s.finishLocked(1)
}

func run(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.task(e.ctx)
}

func (s *Scheduler) finishLocked(n int) {
	s.pending -= n
	s.publishLocked()
	if s.pending == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Scheduler) publishLocked() {
	s.stats.Active = len(s.active)
	s.stats.Queued = len(s.queue)
	s.metrics.SetSchedulerState(s.stats.Active, s.stats.Queued)
}

// Wait blocks until every submitted task has finished or been discarded.
//
// It returns a *TaskError when any task failed, or ctx's error when ctx ends
// first. Wait may be called repeatedly; failures accumulate across calls.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			var err error
			if len(s.errs) > 0 {
				errs := make([]error, len(s.errs))
				copy(errs, s.errs)
				err = &TaskError{Errors: errs}
			}
			s.mu.Unlock()
			return err
		}
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// CancelAll discards every queued task and cancels every active one.
// Active tasks still count as pending until they return.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	discarded := len(s.queue)
	for _, e := range s.queue {
		e.cancel()
	}
	s.queue = nil
	s.stats.Discarded += discarded
	for _, e := range s.active {
		e.cancel()
	}
	if discarded > 0 {
		s.logger.Debug("discarded queued tasks", zap.Int("count", discarded))
		s.finishLocked(discarded)
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Active = len(s.active)
	st.Queued = len(s.queue)
	return st
}

// Run submits tasks to a new scheduler bounded by maxConcurrency and waits for
// all of them. When ctx is cancelled the remaining tasks are cancelled too.
func Run(ctx context.Context, maxConcurrency int, tasks ...Task) error {
	s := New(maxConcurrency)
	for _, t := range tasks {
		if err := s.Submit(ctx, t); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, s.CancelAll)
	defer stop()

	return s.Wait(context.Background())
}
