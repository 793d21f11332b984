package events

import "credify/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a canonical wire payload.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events emitted during a single transaction so the executor
// can drop them when the transaction reverts.
type Buffer struct {
	events []types.Event
}

// Emit records the canonical payload of the event. Events without a payload
// are recorded with their type only.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	if payload, ok := evt.(Payload); ok {
		if wire := payload.Event(); wire != nil {
			b.events = append(b.events, *wire.Clone())
			return
		}
	}
	b.events = append(b.events, types.Event{Type: evt.EventType(), Attributes: map[string]string{}})
}

// Events returns the buffered events in emission order.
func (b *Buffer) Events() []types.Event {
	if b == nil {
		return nil
	}
	out := make([]types.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Reset discards everything buffered so far.
func (b *Buffer) Reset() {
	if b != nil {
		b.events = b.events[:0]
	}
}
