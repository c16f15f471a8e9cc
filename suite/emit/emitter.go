// Package emit provides event emission and reporting for suite execution.
package emit

import "sync"

// Emitter receives and processes events produced while a suite tree runs.
//
// Emitters are the reporter surface of the engine:
//   - Logging: stdout, files (LogEmitter)
//   - Distributed tracing: OpenTelemetry (OTelEmitter)
//   - History: in-memory queries for tests and dashboards (BufferedEmitter)
//   - Persistence: result stores (store.Recorder)
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down test execution
//   - Thread-safe: Root suites for several sessions emit concurrently
//   - Resilient: Handle failures internally (never panic into the engine)
type Emitter interface {
	// Emit sends an event to the configured backend.
	Emit(event Event)
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(event Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(event Event) {
	f(event)
}

// MultiEmitter fans every event out to a list of emitters, in order.
//
// A nil entry is ignored, so optional reporters can be passed straight through:
//
//	emitter := emit.NewMultiEmitter(
//	    emit.NewLogEmitter(os.Stdout, false),
//	    recorder, // may be nil
//	)
type MultiEmitter struct {
	mu       sync.RWMutex
	emitters []Emitter
}

// NewMultiEmitter creates a MultiEmitter over the given emitters.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		m.Add(e)
	}
	return m
}

// Add registers another emitter. Nil emitters are dropped.
func (m *MultiEmitter) Add(e Emitter) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitters = append(m.emitters, e)
}

// Emit forwards the event to every registered emitter.
func (m *MultiEmitter) Emit(event Event) {
	m.mu.RLock()
	emitters := make([]Emitter, len(m.emitters))
	copy(emitters, m.emitters)
	m.mu.RUnlock()

	for _, e := range emitters {
		e.Emit(event)
	}
}
