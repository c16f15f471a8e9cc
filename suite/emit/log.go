package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[testEnd] runID=run-001 session=abc node=root - login - rejects bad password meta={"passed":true}
//
// Example JSON output:
//
//	{"runID":"run-001","sessionID":"abc","name":"testEnd","nodeID":"root - login","meta":{"passed":true}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// A nil writer falls back to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	var ts string
	if !event.Time.IsZero() {
		ts = event.Time.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(struct {
		RunID     string                 `json:"runID"`
		SessionID string                 `json:"sessionID,omitempty"`
		Name      string                 `json:"name"`
		NodeID    string                 `json:"nodeID,omitempty"`
		Time      string                 `json:"time,omitempty"`
		Meta      map[string]interface{} `json:"meta,omitempty"`
	}{
		RunID:     event.RunID,
		SessionID: event.SessionID,
		Name:      event.Name,
		NodeID:    event.NodeID,
		Time:      ts,
		Meta:      event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s", event.Name, event.RunID)
	if event.SessionID != "" {
		fmt.Fprintf(l.writer, " session=%s", event.SessionID)
	}
	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}

	if len(event.Meta) > 0 {
		// encoding/json sorts map keys, so the text line is stable.
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			keys := make([]string, 0, len(event.Meta))
			for k := range event.Meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(l.writer, " %s=%v", k, event.Meta[k])
			}
		}
	}

	fmt.Fprint(l.writer, "\n")
}
