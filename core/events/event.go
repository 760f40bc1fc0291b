package events

// Event represents a structured state change produced by a native module
// engine.
type Event interface {
	EventType() string
}

// Emitter receives events from engines and forwards them to downstream
// consumers (journal, websocket stream, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines default to it so emission is always safe to call.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
