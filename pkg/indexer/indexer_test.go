package indexer

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

func TestDrainUntilQuietConverges(t *testing.T) {
	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	stored := true
	for i := 0; i < 5; i++ {
		leaf := id.NewContent(id.KindBlob, []byte{byte(i)})
		require.NoError(t, idx.Put(ctx, index.PutArg{
			ID:                  leaf,
			TouchedAt:           time.Now(),
			ObjectOwnStored:     &stored,
			ObjectNodeAggregate: &index.Aggregate{Count: 1, Size: 1, Solved: true},
		}))
	}

	x := New(idx, time.Hour, 2)
	require.NoError(t, x.drainUntilQuiet(ctx))

	n, err := idx.UpdateBatch(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// flakyIndex rejects any UpdateBatch larger than maxBatch with a
// recoverable error, standing in for a backend whose transaction size
// limit a full batch can trip.
type flakyIndex struct {
	index.Index
	maxBatch int
	batches  []int
}

func (f *flakyIndex) UpdateBatch(ctx context.Context, n int) (int, error) {
	f.batches = append(f.batches, n)
	if n > f.maxBatch {
		return 0, terror.New(terror.BackendUnavailable, "transaction too large")
	}
	return 0, nil
}

func TestDrainHalvesOversizedBatches(t *testing.T) {
	f := &flakyIndex{maxBatch: 2}
	x := New(f, time.Hour, 8)
	require.NoError(t, x.drainUntilQuiet(context.Background()))
	require.Equal(t, []int{8, 4, 2}, f.batches)
}
