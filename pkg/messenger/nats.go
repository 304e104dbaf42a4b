package messenger

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"tangram.dev/tangram/pkg/terror"
)

// NATSMessenger is a JetStream-backed durable Messenger, for multi-node
// deployments that need delivery to survive a server restart.
type NATSMessenger struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewNATSMessenger connects to a NATS server at url and opens a
// JetStream context.
func NewNATSMessenger(url string) (*NATSMessenger, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, terror.Wrap(terror.BackendUnavailable, err, "connecting to nats at %s", url)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, terror.Wrap(terror.BackendUnavailable, err, "opening jetstream context")
	}
	return &NATSMessenger{conn: conn, js: js}, nil
}

func (m *NATSMessenger) CreateStream(ctx context.Context, name string) error {
	_, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{name},
	})
	if err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "creating stream %q", name)
	}
	return nil
}

func (m *NATSMessenger) Publish(ctx context.Context, stream string, payload []byte) error {
	_, err := m.js.Publish(ctx, stream, payload)
	if err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "publishing to stream %q", stream)
	}
	return nil
}

// Consume creates (or reuses) a durable pull consumer named after
// stream and delivers messages to handler until ctx is cancelled.
func (m *NATSMessenger) Consume(ctx context.Context, stream string, handler Handler) error {
	consumer, err := m.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:   stream + "-consumer",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return terror.Wrap(terror.BackendUnavailable, err, "creating consumer for stream %q", stream)
	}

	for {
		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			return terror.Wrap(terror.BackendUnavailable, err, "fetching from stream %q", stream)
		}
		for msg := range batch.Messages() {
			if err := handler(ctx, Message{Stream: stream, Payload: msg.Data()}); err != nil {
				_ = msg.Nak()
				continue
			}
			_ = msg.Ack()
		}
		if err := batch.Error(); err != nil {
			return terror.Wrap(terror.BackendUnavailable, err, "draining stream %q", stream)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (m *NATSMessenger) Close() error {
	m.conn.Close()
	return nil
}

var _ Messenger = (*NATSMessenger)(nil)
