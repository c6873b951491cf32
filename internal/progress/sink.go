package progress

import "context"

// Sink consumes batches of events. The Hub calls Consume from a single
// goroutine and Close once during shutdown.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking.
type Emitter interface {
	Emit(evt Event)
}
