package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful when no reporter is configured; the engine treats a nil emitter the
// same way.
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
