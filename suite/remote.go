package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/suitegraph/channel"
	"github.com/dshills/suitegraph/suite/emit"
)

// EventSource delivers the ordered event stream of remote sessions.
// *channel.Channel implements it.
type EventSource interface {
	Subscribe(sessionID string, listener channel.Listener) (unsubscribe func())
}

// RemoteOptions configures how a remote suite follows its session.
type RemoteOptions struct {
	// Source is the channel the session reports through.
	Source EventSource
	// URL returns the page the session is sent to once the subscription is
	// installed. It receives the session id.
	URL func(sessionID string) string
	// IdleTimeout fails the suite when the session sends nothing for this
	// long. Default: the suite's resolved timeout.
	IdleTimeout time.Duration
}

type follower struct {
	source      EventSource
	url         func(string) string
	idleTimeout time.Duration
}

// NewRemoteSuite creates a suite whose tests run in a remote session rather
// than locally. A Before hook must install the session with SetRemote; the
// engine then subscribes to the session's events, navigates the session to
// remote.URL and forwards every event it receives until the session reports
// runEnd.
func NewRemoteSuite(opts SuiteOptions, remote RemoteOptions) *Suite {
	s := NewSuite(opts)
	s.follow = &follower{
		source:      remote.Source,
		url:         remote.URL,
		idleTimeout: remote.IdleTimeout,
	}
	return s
}

// remotePayload is the part of a remote event's data the engine reads.
type remotePayload struct {
	ID          string          `json:"id"`
	HasPassed   bool            `json:"hasPassed"`
	Skipped     string          `json:"skipped"`
	Error       json.RawMessage `json:"error"`
	Fatal       bool            `json:"fatal"`
	TimeElapsed int64           `json:"timeElapsed"`
}

func (e *Engine) followRemote(ctx context.Context, s *Suite) error {
	f := s.follow
	r := s.Remote()
	switch {
	case r == nil:
		e.suiteError(s, &UsageError{Message: "remote suite " + s.ID() + " has no session", Code: CodeRemoteNotSet})
		return nil
	case f.source == nil:
		e.suiteError(s, &UsageError{Message: "remote suite " + s.ID() + " has no event source", Code: CodeInvalidNode})
		return nil
	}
	sessionID := r.SessionID()

	activity := make(chan struct{}, 1)
	finished := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { finished <- err })
	}

	unsubscribe := f.source.Subscribe(sessionID, func(ctx context.Context, msg channel.Message) error {
		select {
		case activity <- struct{}{}:
		default:
		}
		e.handleRemote(s, sessionID, msg, finish)
		return nil
	})
	defer unsubscribe()

	if f.url != nil {
		if err := r.Navigate(ctx, f.url(sessionID)); err != nil {
			if ctx.Err() != nil {
				return &CancelError{Message: "remote suite " + s.ID() + " interrupted", Cause: context.Cause(ctx)}
			}
			e.suiteError(s, fmt.Errorf("navigate session %s: %w", sessionID, err))
			return nil
		}
	}

	idle := f.idleTimeout
	if idle <= 0 {
		idle = s.Timeout()
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case err := <-finished:
			if err != nil {
				e.suiteError(s, err)
			}
			return nil
		case <-activity:
			timer.Reset(idle)
		case <-timer.C:
			e.suiteError(s, newTimeoutError(s.ID(), "remote session "+sessionID, idle))
			return nil
		case <-ctx.Done():
			return &CancelError{Message: "remote suite " + s.ID() + " interrupted", Cause: context.Cause(ctx)}
		}
	}
}

// handleRemote tallies and forwards one message from the session.
func (e *Engine) handleRemote(s *Suite, sessionID string, msg channel.Message, finish func(error)) {
	var payload remotePayload
	var data interface{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			e.logger.Debug("undecodable remote event data",
				zap.String("session", sessionID),
				zap.String("event", msg.Name),
				zap.Error(err))
		}
		_ = json.Unmarshal(msg.Data, &payload)
	}

	meta := map[string]interface{}{
		emit.MetaSequence: msg.Sequence,
	}
	if data != nil {
		meta[emit.MetaData] = data
	}
	errText := remoteErrorText(payload.Error)

	switch msg.Name {
	case emit.RunStart:
		return
	case emit.RunEnd:
		finish(nil)
		return
	case emit.TestEnd:
		failed, skipped := 0, 0
		switch {
		case payload.Skipped != "":
			skipped = 1
			meta[emit.MetaSkipped] = payload.Skipped
		case errText != "":
			failed = 1
		}
		s.addCounts(1, failed, skipped)
		meta[emit.MetaPassed] = payload.HasPassed && failed == 0 && skipped == 0
		meta[emit.MetaElapsedMs] = payload.TimeElapsed
		status := "passed"
		if failed > 0 {
			status = "failed"
		} else if skipped > 0 {
			status = "skipped"
		}
		e.metrics.RecordTest(status, time.Duration(payload.TimeElapsed)*time.Millisecond)
	case emit.Error, emit.FatalError, emit.SuiteError:
		if payload.Fatal || msg.Name == emit.FatalError {
			meta[emit.MetaFatal] = true
			if errText == "" {
				errText = "unknown error"
			}
			finish(fmt.Errorf("session %s reported a fatal error: %s", sessionID, errText))
		} else {
			e.suiteErrors.Add(1)
			e.metrics.IncrementSuiteErrors()
		}
	}
	if errText != "" {
		meta[emit.MetaError] = errText
	}

	e.emitEvent(emit.Event{
		RunID:     e.runID,
		SessionID: sessionID,
		Name:      msg.Name,
		NodeID:    payload.ID,
		Time:      time.Now(),
		Meta:      meta,
	})
}

// remoteErrorText accepts an error sent as a string or as an object with a
// message field.
func remoteErrorText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` || trimmed == "false" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var obj struct {
		Message string `json:"message"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Name != "" {
			return obj.Name + ": " + obj.Message
		}
		return obj.Message
	}
	return trimmed
}
