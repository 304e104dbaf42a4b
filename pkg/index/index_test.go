package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/process"
	"tangram.dev/tangram/pkg/terror"
)

func newTestIndex(t *testing.T) *BoltIndex {
	t.Helper()
	x, err := NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func leafID(content string) id.ID {
	return id.NewContent(id.KindBlob, []byte(content))
}

func TestPutAndGetNode(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("a")
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
	require.NotNil(t, rec.ObjectAggregates.Node)
	require.Equal(t, uint64(1), rec.ObjectAggregates.Node.Count)
}

func TestGetNodeNotFound(t *testing.T) {
	x := newTestIndex(t)
	_, err := x.GetNode(context.Background(), leafID("missing"))
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestTagRoundTrip(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	target := leafID("target")

	require.NoError(t, x.PutTag(ctx, "latest", target))
	resolved, err := x.ResolveTag(ctx, "latest")
	require.NoError(t, err)
	require.True(t, resolved.Equal(target))

	require.NoError(t, x.DeleteTag(ctx, "latest"))
	_, err = x.ResolveTag(ctx, "latest")
	require.True(t, terror.Is(err, terror.NotFound))
}

// TestUpdateBatchPropagatesDirectoryAggregate builds a two-level
// directory graph (a leaf blob under a directory) and drains the queue,
// expecting the directory's subtree aggregate to roll up from the leaf.
func TestUpdateBatchPropagatesDirectoryAggregate(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("contents")
	dir := id.NewContent(id.KindDirectory, []byte("dir"))

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

	// Drain enough entries to recompute the leaf, then the directory it
	// notifies.
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
	require.True(t, dirRec.ObjectAggregates.Subtree.Solved)
	require.NotNil(t, dirRec.ObjectFlags)
	require.True(t, dirRec.ObjectFlags.SubtreeStored)
}

func TestUpdateBatchConvergesToEmptyQueue(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("only")
	require.NoError(t, x.Put(ctx, PutArg{
		ID:                  leaf,
		TouchedAt:           now,
		ObjectOwnStored:     boolPtr(true),
		ObjectNodeAggregate: &Aggregate{Count: 1, Size: 1, Solved: true},
	}))

	total := 0
	for i := 0; i < 10; i++ {
		n, err := x.UpdateBatch(ctx, 100)
		require.NoError(t, err)
		total += n
		if n == 0 {
			break
		}
	}
	require.Equal(t, 1, total)

	// A further drain finds nothing left.
	n, err := x.UpdateBatch(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWatermarkFinished(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	leaf := leafID("wm")
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

func TestCleanDeletesUnreferencedStaleNodes(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	leaf := leafID("stale")
	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: past, InitialReferenceCount: 0}))

	n, err := x.Clean(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = x.GetNode(ctx, leaf)
	require.True(t, terror.Is(err, terror.NotFound))
}

func TestCleanSkipsReferencedNodes(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	leaf := leafID("referenced")
	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: past, InitialReferenceCount: 1}))

	n, err := x.Clean(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rec, err := x.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.True(t, rec.Exists)
}

func TestCleanSkipsFreshNodes(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()

	leaf := leafID("fresh")
	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: time.Now()}))

	n, err := x.Clean(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestProcessStoredFlagsRollUpFromChildObjects(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	commandID := id.NewContent(id.KindCommand, []byte("cmd"))
	require.NoError(t, x.Put(ctx, PutArg{
		ID:                  commandID,
		TouchedAt:           now,
		ObjectOwnStored:     boolPtr(true),
		ObjectNodeAggregate: &Aggregate{Count: 1, Size: 4, Solved: true},
	}))

	proc := id.NewIdentity(id.KindProcess)
	require.NoError(t, x.Put(ctx, PutArg{
		ID:        proc,
		TouchedAt: now,
		ProcessObjectEdges: []ProcessEdge{
			{Object: commandID, Kind: process.ChildCommand},
		},
		ProcessOwnFlags: &ProcessFlags{NodeCommand: true},
	}))

	for i := 0; i < 4; i++ {
		if _, err := x.UpdateBatch(ctx, 10); err != nil {
			require.NoError(t, err)
		}
	}

	rec, err := x.GetNode(ctx, proc)
	require.NoError(t, err)
	require.True(t, rec.IsProcess())
	require.NotNil(t, rec.ProcessAggregates.Command.Subtree)
	require.Equal(t, uint64(4), rec.ProcessAggregates.Command.Subtree.Size)
	require.True(t, rec.ProcessFlags.SubtreeCommand)
}

// TestPutMaintainsReferenceCounts checks rc(N) = |edges into N|
// (§3.4): a parent's put increments each child's count exactly once,
// re-puts don't double count, and deleting the parent cascades the
// decrement so the child becomes collectible.
func TestPutMaintainsReferenceCounts(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)

	leaf := leafID("counted")
	dir := id.NewContent(id.KindDirectory, []byte("counting dir"))

	require.NoError(t, x.Put(ctx, PutArg{ID: leaf, TouchedAt: past, ObjectOwnStored: boolPtr(true)}))
	parentArg := PutArg{ID: dir, TouchedAt: past, ObjectChildren: []id.ID{leaf}, ObjectOwnStored: boolPtr(true)}
	require.NoError(t, x.Put(ctx, parentArg))

	rec, err := x.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.ReferenceCount)

	// An idempotent re-put of the same edges leaves the count alone.
	require.NoError(t, x.Put(ctx, parentArg))
	rec, err = x.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.ReferenceCount)

	// The first sweep can only take the unreferenced parent; its
	// cascade frees the leaf for the second.
	n, err := x.Clean(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = x.GetNode(ctx, dir)
	require.True(t, terror.Is(err, terror.NotFound))

	rec, err = x.GetNode(ctx, leaf)
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.ReferenceCount)

	n, err = x.Clean(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = x.GetNode(ctx, leaf)
	require.True(t, terror.Is(err, terror.NotFound))
}

// TestProcessKindAggregatesRollUpOverProcessChildren checks §4.3.1's
// within-kind rollup: a parent process's command subtree aggregate and
// subtree_command flag fold over its child process, not just its own
// command object.
func TestProcessKindAggregatesRollUpOverProcessChildren(t *testing.T) {
	x := newTestIndex(t)
	ctx := context.Background()
	now := time.Now()

	childCmd := id.NewContent(id.KindCommand, []byte("child cmd"))
	parentCmd := id.NewContent(id.KindCommand, []byte("parent cmd"))
	for _, put := range []struct {
		id   id.ID
		size uint64
	}{{childCmd, 4}, {parentCmd, 6}} {
		require.NoError(t, x.Put(ctx, PutArg{
			ID:                  put.id,
			TouchedAt:           now,
			ObjectOwnStored:     boolPtr(true),
			ObjectNodeAggregate: &Aggregate{Count: 1, Size: put.size, Solvable: true, Solved: true},
		}))
	}

	child := id.NewIdentity(id.KindProcess)
	require.NoError(t, x.Put(ctx, PutArg{
		ID:                 child,
		TouchedAt:          now,
		ProcessObjectEdges: []ProcessEdge{{Object: childCmd, Kind: process.ChildCommand}},
	}))
	parent := id.NewIdentity(id.KindProcess)
	require.NoError(t, x.Put(ctx, PutArg{
		ID:                 parent,
		TouchedAt:          now,
		ProcessChildren:    []id.ID{child},
		ProcessObjectEdges: []ProcessEdge{{Object: parentCmd, Kind: process.ChildCommand}},
	}))

	for i := 0; i < 8; i++ {
		n, err := x.UpdateBatch(ctx, 32)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	childRec, err := x.GetNode(ctx, child)
	require.NoError(t, err)
	require.True(t, childRec.ProcessFlags.Subtree)
	require.True(t, childRec.ProcessFlags.SubtreeCommand)

	parentRec, err := x.GetNode(ctx, parent)
	require.NoError(t, err)
	require.True(t, parentRec.ProcessFlags.Subtree)
	require.True(t, parentRec.ProcessFlags.SubtreeCommand)
	require.NotNil(t, parentRec.ProcessAggregates.Command.Subtree)
	require.Equal(t, uint64(2), parentRec.ProcessAggregates.Command.Subtree.Count)
	require.Equal(t, uint64(10), parentRec.ProcessAggregates.Command.Subtree.Size)
}

func boolPtr(b bool) *bool { return &b }
