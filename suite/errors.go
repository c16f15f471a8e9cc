package suite

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUsage is matched by every *UsageError.
	ErrUsage = errors.New("usage error")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled is matched by every *CancelError.
	ErrCancelled = errors.New("run cancelled")
)

// Usage error codes.
const (
	CodeRemoteAlreadySet = "REMOTE_ALREADY_SET"
	CodeRemoteInSyncTest = "REMOTE_IN_SYNC_TEST"
	CodeRemoteNotSet     = "REMOTE_NOT_SET"
	CodeSkipOutsideRun   = "SKIP_OUTSIDE_RUN"
	CodeAsyncOutsideRun  = "ASYNC_OUTSIDE_RUN"
	CodeAlreadyRunning   = "ALREADY_RUNNING"
	CodeAlreadyParented  = "ALREADY_PARENTED"
	CodeInvalidNode      = "INVALID_NODE"
	CodeInvalidOption    = "INVALID_OPTION"
)

// UsageError reports a programmer error: setting a remote twice, skipping from
// outside a running body or hook, running a tree that is already running.
// Usage errors are never retried.
type UsageError struct {
	Message string
	Code    string
}

func (e *UsageError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Is makes errors.Is(err, ErrUsage) true.
func (e *UsageError) Is(target error) bool {
	return target == ErrUsage
}

// TimeoutError is recorded when a hook, a test body or a remote session does
// not complete within its resolved timeout.
type TimeoutError struct {
	Message string
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "TIMEOUT: " + e.Message
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func newTimeoutError(nodeID, what string, d time.Duration) *TimeoutError {
	return &TimeoutError{
		Message: fmt.Sprintf("%s of %q exceeded %s", what, nodeID, d),
		NodeID:  nodeID,
		Timeout: d,
	}
}

// CancelError is returned by Engine.Run when the run's context is cancelled
// before the tree finished.
type CancelError struct {
	Message string
	Cause   error
}

func (e *CancelError) Error() string {
	if e.Cause != nil {
		return "CANCELLED: " + e.Message + ": " + e.Cause.Error()
	}
	return "CANCELLED: " + e.Message
}

// Is makes errors.Is(err, ErrCancelled) true.
func (e *CancelError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancelError) Unwrap() error {
	return e.Cause
}

// SkipError is the sentinel a body or hook returns to mark its node skipped.
// Obtain one from Test.Skip or Suite.Skip. It is not a failure.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "skipped: " + e.Reason
}

func isSkip(err error) (*SkipError, bool) {
	var se *SkipError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func isCancel(err error) bool {
	var ce *CancelError
	return errors.As(err, &ce)
}
