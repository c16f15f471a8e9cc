// Package channel delivers the events of remote sessions to the controller in
// strict per-session sequence order.
//
// Transports hand every message they receive to Deliver, in whatever order
// the network produced them. A message whose sequence number is the next one
// expected is dispatched to the session's listeners at once, followed by any
// buffered messages it unblocks; a message from further ahead is buffered
// until the gap closes. A duplicate or regressed sequence number is a
// *ProtocolError.
//
// Dispatch runs on a per-session queue, so listeners of one session see its
// messages one at a time and in order, while different sessions proceed
// independently.
package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/suitegraph/metrics"
	"github.com/dshills/suitegraph/scheduler"
	"github.com/dshills/suitegraph/suite/emit"
)

// noneDelivered is the last sequence of a session that has dispatched nothing.
const noneDelivered int64 = -1

// Listener receives the messages of one session in sequence order. A returned
// error or a panic is reported as an error event; it never stops delivery.
type Listener func(ctx context.Context, msg Message) error

// Channel routes session messages to listeners.
//
// All methods are safe for concurrent use.
type Channel struct {
	emitter  emit.Emitter
	logger   *zap.Logger
	metrics  *metrics.PrometheusMetrics
	waitMode WaitMode
	runID    string

	mu       sync.Mutex
	sessions map[string]*session
	closed   map[string]struct{}
	nextID   uint64
}

type session struct {
	id     string
	queue  *scheduler.Scheduler
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	last      int64
	pending   map[int64]*delivery
	listeners []subscription
}

type subscription struct {
	id       uint64
	listener Listener
}

type delivery struct {
	msg     Message
	receipt *Receipt
}

// Option configures a Channel.
type Option func(*Channel)

// WithEmitter sets where listener failures are reported as error events.
func WithEmitter(e emit.Emitter) Option {
	return func(c *Channel) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records delivery outcomes to Prometheus.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithWaitMode sets the wait mode transports consult through ShouldWait.
func WithWaitMode(w WaitMode) Option {
	return func(c *Channel) {
		c.waitMode = w
	}
}

// WithRunID stamps error events with the run id.
func WithRunID(id string) Option {
	return func(c *Channel) {
		c.runID = id
	}
}

// New creates an empty Channel.
func New(opts ...Option) *Channel {
	c := &Channel{
		emitter:  emit.NewNullEmitter(),
		logger:   zap.NewNop(),
		waitMode: WaitNone,
		sessions: make(map[string]*session),
		closed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitMode returns the configured wait mode.
func (c *Channel) WaitMode() WaitMode { return c.waitMode }

// ShouldWait reports whether a transport must wait for msg's listeners
// before acknowledging it.
func (c *Channel) ShouldWait(msg Message) bool {
	return c.waitMode.ShouldWait(msg)
}

// session returns the live session id, creating it on first use. It returns
// nil once the session has been closed.
func (c *Channel) session(id string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, gone := c.closed[id]; gone {
		return nil
	}
	s, ok := c.sessions[id]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &session{
			id:      id,
			ctx:     ctx,
			cancel:  cancel,
			queue:   scheduler.New(1, scheduler.WithLogger(c.logger)),
			last:    noneDelivered,
			pending: make(map[int64]*delivery),
		}
		c.sessions[id] = s
	}
	return s
}

// Subscribe registers listener for sessionID's messages. Messages dispatched
// before the call are not replayed. The returned function removes the
// listener and may be called more than once. Subscribing to a closed session
// registers nothing.
func (c *Channel) Subscribe(sessionID string, listener Listener) func() {
	s := c.session(sessionID)
	if s == nil {
		return func() {}
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	s.mu.Lock()
	s.listeners = append(s.listeners, subscription{id: id, listener: listener})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.listeners {
				if sub.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Deliver accepts msg for its session.
//
// The returned Receipt is done once msg has been dispatched to every listener,
// which for a buffered message happens only after the missing earlier
// sequence numbers arrive. A duplicate or regressed sequence returns a
// *ProtocolError and leaves the session untouched. Messages for a closed
// session return ErrSessionClosed.
func (c *Channel) Deliver(ctx context.Context, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.session(msg.SessionID)
	if s == nil {
		c.metrics.RecordMessage("closed")
		return nil, ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Sequence <= s.last {
		return nil, c.reject(msg, s.last, "already delivered")
	}
	if _, dup := s.pending[msg.Sequence]; dup {
		return nil, c.reject(msg, s.last, "already buffered")
	}

	r := newReceipt(msg.Sequence)
	if msg.Sequence != s.last+1 {
		s.pending[msg.Sequence] = &delivery{msg: msg, receipt: r}
		c.metrics.RecordMessage("buffered")
		c.metrics.AddBuffered(1)
		return r, nil
	}

	c.enqueueLocked(s, &delivery{msg: msg, receipt: r})
	for {
		next, ok := s.pending[s.last+1]
		if !ok {
			break
		}
		delete(s.pending, s.last+1)
		c.metrics.AddBuffered(-1)
		c.enqueueLocked(s, next)
	}
	return r, nil
}

func (c *Channel) reject(msg Message, last int64, reason string) error {
	c.metrics.RecordMessage("rejected")
	err := &ProtocolError{SessionID: msg.SessionID, Sequence: msg.Sequence, Last: last, Reason: reason}
	c.logger.Error("protocol violation",
		zap.String("session", msg.SessionID),
		zap.Int64("sequence", msg.Sequence),
		zap.Int64("last", last),
		zap.String("reason", reason))
	return err
}

// enqueueLocked advances the session and queues d for dispatch. The session
// queue runs one dispatch at a time in submission order.
func (c *Channel) enqueueLocked(s *session, d *delivery) {
	s.last = d.msg.Sequence
	c.metrics.RecordMessage("dispatched")
	err := s.queue.Submit(context.Background(), func(context.Context) error {
		if s.ctx.Err() != nil {
			d.receipt.finish(ErrSessionClosed)
			return nil
		}
		d.receipt.finish(c.dispatch(s.ctx, s, d.msg))
		return nil
	})
	if err != nil {
		d.receipt.finish(err)
	}
}

// dispatch fans msg out to the session's current listeners and waits for them.
func (c *Channel) dispatch(ctx context.Context, s *session, msg Message) error {
	s.mu.Lock()
	subs := make([]subscription, len(s.listeners))
	copy(subs, s.listeners)
	s.mu.Unlock()

	var g errgroup.Group
	for _, sub := range subs {
		l := sub.listener
		g.Go(func() error {
			return c.call(ctx, l, msg)
		})
	}
	return g.Wait()
}

// call runs one listener and converts its failure into an error event.
func (c *Channel) call(ctx context.Context, l Listener, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
		if err != nil {
			c.listenerFailed(msg, err)
		}
	}()
	return l(ctx, msg)
}

func (c *Channel) listenerFailed(msg Message, err error) {
	c.metrics.IncrementListenerErrors()
	c.logger.Warn("listener failed",
		zap.String("session", msg.SessionID),
		zap.Int64("sequence", msg.Sequence),
		zap.String("event", msg.Name),
		zap.Error(err))

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("emitter panicked while reporting listener failure", zap.Any("panic", r))
		}
	}()
	c.emitter.Emit(emit.Event{
		RunID:     c.runID,
		SessionID: msg.SessionID,
		Name:      emit.Error,
		Time:      time.Now(),
		Meta: map[string]interface{}{
			emit.MetaError:    err.Error(),
			emit.MetaSequence: msg.Sequence,
			"event":           msg.Name,
		},
	})
}

// Close forgets a session: buffered messages are dropped, dispatches that have
// not started are skipped and running listeners see their context cancelled.
// Receipts of dropped messages complete with ErrSessionClosed, and so does
// any later delivery for the session.
func (c *Channel) Close(sessionID string) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.closed[sessionID] = struct{}{}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	dropped := s.pending
	s.pending = make(map[int64]*delivery)
	s.listeners = nil
	s.mu.Unlock()

	for _, d := range dropped {
		d.receipt.finish(ErrSessionClosed)
	}
	c.metrics.AddBuffered(-len(dropped))
	s.cancel()
}

// Sessions returns the ids of known sessions, sorted.
func (c *Channel) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastDelivered returns the last dispatched sequence of a session, or -1.
func (c *Channel) LastDelivered(sessionID string) int64 {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return noneDelivered
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Buffered returns how many messages of a session wait for a gap to close.
func (c *Channel) Buffered(sessionID string) int {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
