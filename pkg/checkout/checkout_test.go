package checkout

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/store"
)

func newTestBackends(t *testing.T) (store.Store, index.Index) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	idx, err := index.NewBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return st, idx
}

func TestCheckoutRoundTripsFileTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a", "b", "leaf.txt"), []byte("leaf content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top content"), 0644))
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "link")))

	st, idx := newTestBackends(t)
	result, err := checkin.Checkin(context.Background(), src, st, idx, checkin.Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	co := New(st)
	require.NoError(t, co.Run(context.Background(), object.NewObjectEdge(result.Root), dest))

	leafData, err := os.ReadFile(filepath.Join(dest, "a", "b", "leaf.txt"))
	require.NoError(t, err)
	require.Equal(t, "leaf content", string(leafData))

	topData, err := os.ReadFile(filepath.Join(dest, "top.txt"))
	require.NoError(t, err)
	require.Equal(t, "top content", string(topData))

	linkTarget, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	require.Equal(t, "top.txt", linkTarget)
}

func TestCheckoutPreservesExecutableBit(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0755))

	st, idx := newTestBackends(t)
	result, err := checkin.Checkin(context.Background(), src, st, idx, checkin.Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	co := New(st)
	require.NoError(t, co.Run(context.Background(), object.NewObjectEdge(result.Root), dest))

	info, err := os.Stat(filepath.Join(dest, "run.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)
}

func TestCheckoutRoundTripsCyclicGraph(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("file a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("file b"), 0644))
	manifest := `{
		"a.txt": {"sibling": "b.txt"},
		"b.txt": {"sibling": "a.txt"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(src, ".tangram-deps"), []byte(manifest), 0644))

	st, idx := newTestBackends(t)
	result, err := checkin.Checkin(context.Background(), src, st, idx, checkin.Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	co := New(st)
	require.NoError(t, co.Run(context.Background(), object.NewObjectEdge(result.Root), dest))

	aData, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "file a", string(aData))

	bData, err := os.ReadFile(filepath.Join(dest, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "file b", string(bData))
}

func TestCheckoutRefusesExistingDestination(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("x"), 0644))

	st, idx := newTestBackends(t)
	result, err := checkin.Checkin(context.Background(), src, st, idx, checkin.Options{})
	require.NoError(t, err)

	dest := t.TempDir()
	co := New(st)
	err = co.Run(context.Background(), object.NewObjectEdge(result.Root), dest)
	require.Error(t, err)
}
