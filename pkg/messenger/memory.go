package messenger

import (
	"context"
	"sync"
)

// MemoryMessenger is an in-process Messenger backend: a broadcast
// broker per stream, grounded on the cluster event broker's
// subscribe/publish/broadcast shape (pkg/events/events.go), generalized
// from a single fan-out channel to one buffered channel per named
// stream with multiple independent consumers.
type MemoryMessenger struct {
	mu      sync.RWMutex
	streams map[string]chan Message
	closed  chan struct{}
}

// NewMemoryMessenger creates an in-process Messenger.
func NewMemoryMessenger() *MemoryMessenger {
	return &MemoryMessenger{
		streams: make(map[string]chan Message),
		closed:  make(chan struct{}),
	}
}

func (m *MemoryMessenger) CreateStream(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[name]; !ok {
		m.streams[name] = make(chan Message, 1024)
	}
	return nil
}

func (m *MemoryMessenger) stream(name string) chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.streams[name]
	if !ok {
		ch = make(chan Message, 1024)
		m.streams[name] = ch
	}
	return ch
}

func (m *MemoryMessenger) Publish(ctx context.Context, stream string, payload []byte) error {
	ch := m.stream(stream)
	msg := Message{Stream: stream, Payload: payload}
	select {
	case ch <- msg:
		return nil
	case <-m.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers every message published to stream to handler,
// blocking until ctx is cancelled or the messenger is closed. Failed
// handler invocations are retried by republishing the message, the
// simplest redelivery policy a channel-backed broker can offer.
func (m *MemoryMessenger) Consume(ctx context.Context, stream string, handler Handler) error {
	ch := m.stream(stream)
	for {
		select {
		case msg := <-ch:
			if err := handler(ctx, msg); err != nil {
				go func() { _ = m.Publish(context.Background(), stream, msg.Payload) }()
			}
		case <-m.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *MemoryMessenger) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}

var _ Messenger = (*MemoryMessenger)(nil)
