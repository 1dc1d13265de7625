package interfaces

import "context"

// Sink is an external cache or pub/sub target for cycle summaries.
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}
