package messenger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryMessengerPublishConsume(t *testing.T) {
	m := NewMemoryMessenger()
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.CreateStream(context.Background(), "work"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	go func() {
		_ = m.Consume(ctx, "work", func(ctx context.Context, msg Message) error {
			mu.Lock()
			received = append(received, string(msg.Payload))
			mu.Unlock()
			if len(received) == 2 {
				close(done)
			}
			return nil
		})
	}()

	require.NoError(t, m.Publish(context.Background(), "work", []byte("a")))
	require.NoError(t, m.Publish(context.Background(), "work", []byte("b")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both messages")
	}

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"a", "b"}, received)
}

func TestMemoryMessengerRedeliversOnHandlerError(t *testing.T) {
	m := NewMemoryMessenger()
	t.Cleanup(func() { m.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	go func() {
		_ = m.Consume(ctx, "retry", func(ctx context.Context, msg Message) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return errors.New("not yet")
			}
			close(done)
			return nil
		})
	}()

	require.NoError(t, m.Publish(context.Background(), "retry", []byte("x")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}
}
