package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			objID := id.NewContent(id.KindBlob, []byte("payload"))

			_, err := s.Get(ctx, objID)
			assert.True(t, terror.Is(err, terror.NotFound))

			require.NoError(t, s.Put(ctx, objID, []byte("payload"), time.Now()))
			data, err := s.Get(ctx, objID)
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)

			// Repeated put with equal bytes is a no-op success.
			require.NoError(t, s.Put(ctx, objID, []byte("payload"), time.Now()))

			// Put with different bytes for the same ID is a fatal integrity error.
			err = s.Put(ctx, objID, []byte("different"), time.Now())
			assert.True(t, terror.Is(err, terror.IntegrityViolation))

			data, ok, err := s.TryGetData(ctx, objID)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, []byte("payload"), data)

			require.NoError(t, s.Delete(ctx, objID))
			_, err = s.Get(ctx, objID)
			assert.True(t, terror.Is(err, terror.NotFound))

			_, ok, err = s.TryGetData(ctx, objID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
