package progress

import "context"

// Sink receives flushed batches from the Hub. The Hub calls Consume from a
// single goroutine with a batch the sink may keep. Close is called once after
// the final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
