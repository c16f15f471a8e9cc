package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolViolation is matched by every *ProtocolError.
var ErrProtocolViolation = errors.New("channel protocol violation")

// Message is one event sent by a remote session. Sequence numbers are
// assigned by the sender and are contiguous from 0 per session.
type Message struct {
	SessionID string          `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ProtocolError reports a duplicate or regressed sequence number. It always
// means the sender is broken and is never recovered from.
type ProtocolError struct {
	SessionID string
	Sequence  int64
	Last      int64
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("PROTOCOL_VIOLATION: session %s: sequence %d %s (last delivered %d)",
		e.SessionID, e.Sequence, e.Reason, e.Last)
}

// Is makes errors.Is(err, ErrProtocolViolation) true.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// carriesError reports whether the message data has a non-empty "error" field.
func (m Message) carriesError() bool {
	if len(m.Data) == 0 {
		return false
	}
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(m.Data, &probe); err != nil {
		return false
	}
	switch string(probe.Error) {
	case "", "null", `""`, "false":
		return false
	}
	return true
}
