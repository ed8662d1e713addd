package progress

import "context"

// Sink consumes batches of events. Implementations must be safe for repeated
// calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so workers
// can remain agnostic about how events are delivered.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt Event)

// Emit calls f.
func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(Event) {})
