package index

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
)

// newTestFDBIndex opens an FDBIndex against the cluster named by
// TANGRAM_TEST_FDB_CLUSTER_FILE, skipping the test when unset — these
// exercise a real FoundationDB cluster and have no in-process fake the
// way BoltIndex's tests do.
func newTestFDBIndex(t *testing.T) *FDBIndex {
	t.Helper()
	cluster := os.Getenv("TANGRAM_TEST_FDB_CLUSTER_FILE")
	if cluster == "" {
		t.Skip("TANGRAM_TEST_FDB_CLUSTER_FILE not set; skipping FoundationDB index tests")
	}
	x, err := NewFDBIndex(cluster, "tangram/index/test/"+id.NewIdentity(id.KindTag).String())
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func TestFDBPutAndGetNode(t *testing.T) {
	x := newTestFDBIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("fdb-a")
	err := x.Put(ctx, PutArg{
		ID:                    leaf,
		TouchedAt:             now,
		InitialReferenceCount: 0,
		ObjectOwnStored:       boolPtr(true),
		ObjectNodeAggregate:   &Aggregate{Count: 1, Depth: 0, Size: 1, Solvable: false, Solved: true},
	})
	require.NoError(t, err)

	rec, err := x.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.True(t, rec.Exists)
	require.NotNil(t, rec.ObjectFlags)
	require.True(t, rec.ObjectFlags.OwnStored)
	require.Equal(t, uint64(1), rec.ObjectAggregates.Node.Count)
}

func TestFDBGetNodeNotFound(t *testing.T) {
	x := newTestFDBIndex(t)
	_, err := x.GetNode(context.Background(), leafID("fdb-missing"))
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestFDBTagRoundTrip(t *testing.T) {
	x := newTestFDBIndex(t)
	ctx := context.Background()
	target := leafID("fdb-target")

	require.NoError(t, x.PutTag(ctx, "fdb-latest", target))
	resolved, err := x.ResolveTag(ctx, "fdb-latest")
	require.NoError(t, err)
	require.True(t, resolved.Equal(target))

	require.NoError(t, x.DeleteTag(ctx, "fdb-latest"))
	_, err = x.ResolveTag(ctx, "fdb-latest")
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestFDBUpdateBatchPropagatesDirectoryAggregate(t *testing.T) {
	x := newTestFDBIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("fdb-contents")
	dir := id.NewContent(id.KindDirectory, []byte("fdb-dir"))

	require.NoError(t, x.Put(ctx, PutArg{
		ID:                  leaf,
		TouchedAt:           now,
		ObjectOwnStored:     boolPtr(true),
		ObjectNodeAggregate: &Aggregate{Count: 1, Size: 8, Solvable: false, Solved: true},
	}))
	require.NoError(t, x.Put(ctx, PutArg{
		ID:                  dir,
		TouchedAt:           now,
		ObjectChildren:      []id.ID{leaf},
		ObjectOwnStored:     boolPtr(true),
		ObjectNodeAggregate: &Aggregate{Count: 1, Size: 0, Solvable: false, Solved: true},
	}))

	for i := 0; i < 4; i++ {
		if _, err := x.UpdateBatch(ctx, 10); err != nil {
			require.NoError(t, err)
		}
	}

	dirRec, err := x.GetNode(ctx, dir)
	require.NoError(t, err)
	require.NotNil(t, dirRec.ObjectAggregates.Subtree)
	require.Equal(t, uint64(2), dirRec.ObjectAggregates.Subtree.Count)
	require.Equal(t, uint64(8), dirRec.ObjectAggregates.Subtree.Size)
	require.True(t, dirRec.ObjectFlags.SubtreeStored)
}

func TestFDBWatermarkFinished(t *testing.T) {
	x := newTestFDBIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("fdb-wm")
	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: now, ObjectOwnStored: boolPtr(true)}))

	vs, err := x.CurrentVersionstamp(ctx)
	require.NoError(t, err)

	finished, err := x.WatermarkFinished(ctx, vs)
	require.NoError(t, err)
	require.False(t, finished)

	_, err = x.UpdateBatch(ctx, 100)
	require.NoError(t, err)

	finished, err = x.WatermarkFinished(ctx, vs)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestFDBCleanDeletesUnreferencedStaleNode(t *testing.T) {
	x := newTestFDBIndex(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	leaf := leafID("fdb-stale")
	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: past, ObjectOwnStored: boolPtr(true)}))

	n, err := x.Clean(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = x.GetNode(ctx, leaf)
	require.True(t, terror.Is(err, terror.NotFound))
}
