package cleaner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/terror"
)

func TestSweepDeletesStaleUnreferencedNodes(t *testing.T) {
	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	leaf := id.NewContent(id.KindBlob, []byte("stale"))
	require.NoError(t, idx.Put(ctx, index.PutArg{
		ID:        leaf,
		TouchedAt: time.Now().Add(-2 * time.Hour),
	}))

	c := New(idx, time.Hour, time.Hour, 10)
	require.NoError(t, c.sweep(ctx))

	_, err = idx.GetNode(ctx, leaf)
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestSweepLeavesFreshNodes(t *testing.T) {
	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	leaf := id.NewContent(id.KindBlob, []byte("fresh"))
	require.NoError(t, idx.Put(ctx, index.PutArg{
		ID:        leaf,
		TouchedAt: time.Now(),
	}))

	c := New(idx, time.Hour, time.Hour, 10)
	require.NoError(t, c.sweep(ctx))

	rec, err := idx.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.True(t, rec.Exists)
}
