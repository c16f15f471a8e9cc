package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// Events are organized by runID and can be queried afterwards, which makes
// this emitter the main assertion tool in engine and runner tests:
//
//	emitter := emit.NewBufferedEmitter()
//	engine := suite.New(emitter, suite.WithRunID("run-001"))
//	engine.Run(ctx, root)
//
//	ends := emitter.GetHistoryWithFilter("run-001", emit.HistoryFilter{Name: emit.TestEnd})
//
// Warning: all events stay in memory until Clear is called.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	NodeID    string // Filter by suite/test id (empty = no filter)
	Name      string // Filter by event name (empty = no filter)
	SessionID string // Filter by session (empty = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory retrieves all events for a specific runID in emission order.
//
// Returns a copy; an unknown runID yields an empty, non-nil slice.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	if events == nil {
		return []Event{}
	}

	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves the events of runID matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if !matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Names returns the event names of runID in emission order.
func (b *BufferedEmitter) Names(runID string) []string {
	history := b.GetHistory(runID)
	names := make([]string, len(history))
	for i, e := range history {
		names[i] = e.Name
	}
	return names
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Name != "" && event.Name != filter.Name {
		return false
	}
	if filter.SessionID != "" && event.SessionID != filter.SessionID {
		return false
	}
	return true
}

// Clear removes stored events.
//
// If runID is non-empty only that run is cleared, otherwise everything is.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
