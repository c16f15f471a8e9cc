package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed completes the receipts of messages dropped by Close.
var ErrSessionClosed = errors.New("channel: session closed")

// Receipt tracks the dispatch of one accepted message.
type Receipt struct {
	Sequence int64

	once sync.Once
	done chan struct{}
	err  error
}

func newReceipt(seq int64) *Receipt {
	return &Receipt{Sequence: seq, done: make(chan struct{})}
}

func (r *Receipt) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once every listener has handled the message.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the message has been dispatched or ctx ends. It returns
// ctx's error in the latter case. Listener failures are not returned here;
// they were already reported as error events. See Err.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		if errors.Is(r.err, ErrSessionClosed) {
			return r.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the first listener failure of a finished dispatch, or nil.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}
