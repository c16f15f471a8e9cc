package suite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// call is one running body or hook. It owns the timer bookkeeping that
// Async and Pending drive.
type call struct {
	nodeID  string
	what    string
	timeout time.Duration

	// syncCheck runs when a body returns without going async.
	syncCheck func() error

	signal chan struct{}

	mu        sync.Mutex
	deferred  *Deferred
	restartTo time.Duration
	async     bool
}

func newCall(nodeID, what string, timeout time.Duration) *call {
	return &call{
		nodeID:  nodeID,
		what:    what,
		timeout: timeout,
		signal:  make(chan struct{}, 1),
	}
}

// requestAsync returns the call's Deferred, creating it on first use, and
// restarts the timer with timeout (the call's own timeout when <= 0).
func (c *call) requestAsync(timeout time.Duration, n int) *Deferred {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	if c.deferred == nil {
		c.deferred = NewDeferred(n)
	}
	d := c.deferred
	c.async = true
	c.restartTo = timeout
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return d
}

func (c *call) state() (*Deferred, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred, c.restartTo
}

func (c *call) markAsync() {
	c.mu.Lock()
	c.async = true
	c.mu.Unlock()
}

func (c *call) isAsync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.async
}

// invoke runs fn in its own goroutine and waits for it to settle.
//
// The timer runs from the start of fn and is restarted whenever fn requests
// asynchronous completion. When it fires, fn's context is cancelled and a
// *TimeoutError is returned. A panic in fn is returned as an error.
// Cancellation of ctx returns a *CancelError without waiting for fn.
func invoke(ctx context.Context, c *call, fn func(context.Context) error) error {
	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	returned := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				returned <- fmt.Errorf("%s of %q panicked: %v", c.what, c.nodeID, r)
			}
		}()
		returned <- fn(bodyCtx)
	}()

	var timer *time.Timer
	var expired <-chan time.Time
	current := c.timeout
	if current > 0 {
		timer = time.NewTimer(current)
		defer timer.Stop()
		expired = timer.C
	}
	restart := func(d time.Duration) {
		if d <= 0 {
			return
		}
		current = d
		if timer == nil {
			timer = time.NewTimer(d)
			expired = timer.C
			return
		}
		timer.Reset(d)
	}

	var (
		bodyDone <-chan error = returned
		pending  <-chan error
		settled  <-chan struct{}
	)
	for {
		select {
		case err := <-bodyDone:
			bodyDone = nil
			var p *pendingError
			if errors.As(err, &p) {
				c.markAsync()
				pending = p.ch
				restart(c.timeout)
				continue
			}
			if err != nil {
				return err
			}
			if d, _ := c.state(); d != nil {
				settled = d.Done()
				continue
			}
			if c.syncCheck != nil {
				return c.syncCheck()
			}
			return nil

		case err := <-pending:
			return err

		case <-settled:
			d, _ := c.state()
			return d.Err()

		case <-c.signal:
			d, to := c.state()
			settled = d.Done()
			restart(to)

		case <-expired:
			cancel()
			return newTimeoutError(c.nodeID, c.what, current)

		case <-ctx.Done():
			cancel()
			return &CancelError{
				Message: fmt.Sprintf("%s of %q interrupted", c.what, c.nodeID),
				Cause:   context.Cause(ctx),
			}
		}
	}
}
