package suite

import (
	"errors"
	"fmt"
	"sync"
)

// Deferred is the completion handle of an asynchronous test or hook.
//
// A Deferred resolves after Resolve has been called the number of times it
// was created with, and rejects on the first Reject. Once settled further
// calls are ignored.
//
//	func(ctx context.Context, t *suite.Test) error {
//	    d := t.Async(5*time.Second, 2)
//	    go fetch("/a", d.Callback(checkA))
//	    go fetch("/b", d.Callback(checkB))
//	    return nil
//	}
type Deferred struct {
	mu        sync.Mutex
	remaining int
	settled   bool
	err       error
	done      chan struct{}
}

// NewDeferred creates a Deferred that resolves after n calls to Resolve.
// n < 1 is treated as 1.
func NewDeferred(n int) *Deferred {
	if n < 1 {
		n = 1
	}
	return &Deferred{remaining: n, done: make(chan struct{})}
}

// Resolve counts down one call; the last one settles the Deferred successfully.
func (d *Deferred) Resolve() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.remaining--
	if d.remaining <= 0 {
		d.settleLocked(nil)
	}
}

// Reject settles the Deferred with err. A nil err is replaced with a generic
// error so a rejection is never mistaken for success.
func (d *Deferred) Reject(err error) {
	if err == nil {
		err = errors.New("deferred rejected")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.settleLocked(err)
}

func (d *Deferred) settleLocked(err error) {
	d.settled = true
	d.err = err
	close(d.done)
}

// Callback wraps fn so that calling the result runs fn and then resolves one
// count, or rejects when fn returns an error or panics.
func (d *Deferred) Callback(fn func() error) func() {
	return func() {
		if err := d.call(fn); err != nil {
			d.Reject(err)
			return
		}
		d.Resolve()
	}
}

// Rejector wraps fn so that calling the result runs fn and rejects when fn
// returns an error or panics. It never resolves.
func (d *Deferred) Rejector(fn func() error) func() {
	return func() {
		if err := d.call(fn); err != nil {
			d.Reject(err)
		}
	}
}

func (d *Deferred) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn()
}

// Done is closed once the Deferred settles.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Err returns the rejection error, or nil while pending or once resolved.
func (d *Deferred) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Settled reports whether the Deferred has resolved or rejected.
func (d *Deferred) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// pendingError carries an implicit asynchronous result out of a body.
type pendingError struct {
	ch <-chan error
}

func (p *pendingError) Error() string {
	return "pending"
}

// Pending returns a value a test body or hook can return to complete
// asynchronously: the engine waits for the first value received from ch (nil
// means success) under the node's timeout.
//
//	func(ctx context.Context, t *suite.Test) error {
//	    done := make(chan error, 1)
//	    go func() { done <- poll(ctx) }()
//	    return suite.Pending(done)
//	}
func Pending(ch <-chan error) error {
	return &pendingError{ch: ch}
}
