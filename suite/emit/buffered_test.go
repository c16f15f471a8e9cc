package emit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedEmitter_StoresEvents(t *testing.T) {
	t.Run("stores events in order", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		events := []Event{
			{RunID: "run-001", NodeID: "root", Name: SuiteStart},
			{RunID: "run-001", NodeID: "root - a", Name: TestStart},
			{RunID: "run-001", NodeID: "root - a", Name: TestEnd},
		}
		for _, event := range events {
			emitter.Emit(event)
		}

		assert.Equal(t, []string{SuiteStart, TestStart, TestEnd}, emitter.Names("run-001"))
	})

	t.Run("isolates events by runID", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		emitter.Emit(Event{RunID: "run-001", Name: RunStart})
		emitter.Emit(Event{RunID: "run-002", Name: RunStart})
		emitter.Emit(Event{RunID: "run-001", Name: RunEnd})

		assert.Len(t, emitter.GetHistory("run-001"), 2)
		assert.Len(t, emitter.GetHistory("run-002"), 1)
	})

	t.Run("returns empty slice for unknown runID", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		history := emitter.GetHistory("unknown-run")
		require.NotNil(t, history)
		assert.Empty(t, history)
	})
}

func TestBufferedEmitter_Filter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "r", SessionID: "s1", NodeID: "a", Name: TestEnd})
	emitter.Emit(Event{RunID: "r", SessionID: "s2", NodeID: "a", Name: TestEnd})
	emitter.Emit(Event{RunID: "r", SessionID: "s1", NodeID: "b", Name: TestStart})

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"empty filter", HistoryFilter{}, 3},
		{"by name", HistoryFilter{Name: TestEnd}, 2},
		{"by session", HistoryFilter{SessionID: "s1"}, 2},
		{"by node and session", HistoryFilter{NodeID: "a", SessionID: "s2"}, 1},
		{"no match", HistoryFilter{Name: SuiteEnd}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, emitter.GetHistoryWithFilter("r", tt.filter), tt.want)
		})
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "run-001", Name: RunStart})
	emitter.Emit(Event{RunID: "run-002", Name: RunStart})

	emitter.Clear("run-001")
	assert.Empty(t, emitter.GetHistory("run-001"))
	assert.Len(t, emitter.GetHistory("run-002"), 1)

	emitter.Clear("")
	assert.Empty(t, emitter.GetHistory("run-002"), "expected all runs to be cleared")
}
