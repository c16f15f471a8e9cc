package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:     "run-001",
		SessionID: "sess-1",
		NodeID:    "root - login",
		Name:      TestEnd,
		Meta:      map[string]interface{}{MetaPassed: true},
	})

	output := buf.String()
	for _, want := range []string{"[testEnd]", "runID=run-001", "session=sess-1", "node=root - login", `"passed":true`} {
		assert.Contains(t, output, want)
	}
	assert.True(t, strings.HasSuffix(output, "\n"), "expected trailing newline, got %q", output)
}

func TestLogEmitter_TextOutputOmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "run-001", Name: RunStart})

	output := buf.String()
	assert.NotContains(t, output, "session=")
	assert.NotContains(t, output, "node=")
	assert.NotContains(t, output, "meta=")
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-001", NodeID: "root", Name: SuiteStart})
	emitter.Emit(Event{RunID: "run-001", NodeID: "root", Name: SuiteEnd, Meta: map[string]interface{}{MetaNumFailed: 2}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, "output: %q", buf.String())

	var decoded struct {
		RunID  string                 `json:"runID"`
		Name   string                 `json:"name"`
		NodeID string                 `json:"nodeID"`
		Meta   map[string]interface{} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, SuiteEnd, decoded.Name)
	assert.Equal(t, "root", decoded.NodeID)
	assert.Equal(t, "run-001", decoded.RunID)
	assert.Equal(t, float64(2), decoded.Meta[MetaNumFailed])
}
