// Package messenger implements the Messenger capability (§2): durable
// streams and consumers backing the server's background work queues
// (process spawn queueing, finish notification, cross-node propagation
// fan-out). Like Store and Index, it is expressed as a small
// capability set rather than an inheritance hierarchy (§9).
package messenger

import "context"

// Message is one delivered stream entry.
type Message struct {
	Stream  string
	Payload []byte
}

// Handler processes one delivered message. Returning an error leaves
// the message unacknowledged so a backend may redeliver it.
type Handler func(ctx context.Context, msg Message) error

// Messenger is the capability every backend implements (§2, §9).
type Messenger interface {
	// CreateStream declares a durable stream, idempotently.
	CreateStream(ctx context.Context, name string) error

	// Publish appends payload to stream.
	Publish(ctx context.Context, stream string, payload []byte) error

	// Consume registers handler against stream and begins delivering
	// messages to it until ctx is cancelled or Close is called.
	Consume(ctx context.Context, stream string, handler Handler) error

	Close() error
}

// Backend names, used by configuration.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)
