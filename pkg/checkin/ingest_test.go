package checkin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

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

func TestCheckinSingleFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0644))

	st, idx := newTestBackends(t)
	result, err := Checkin(context.Background(), root, st, idx, Options{})
	require.NoError(t, err)
	require.False(t, result.Root.IsZero())

	node, err := idx.GetNode(context.Background(), result.Root)
	require.NoError(t, err)
	require.True(t, node.Exists)

	data, err := st.Get(context.Background(), result.Root)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	lockPath := filepath.Join(root, metaDir, "lock")
	require.FileExists(t, lockPath)
}

func TestCheckinNestedDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "leaf.txt"), []byte("leaf content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "top.txt"), []byte("top content"), 0644))

	st, idx := newTestBackends(t)
	result, err := Checkin(context.Background(), root, st, idx, Options{})
	require.NoError(t, err)

	var sawDir, sawFile bool
	for p, o := range result.Objects {
		switch o.(type) {
		case object.Directory:
			if p == "a" {
				sawDir = true
			}
		case object.File:
			if p == filepath.ToSlash(filepath.Join("a", "b", "leaf.txt")) {
				sawFile = true
			}
		}
	}
	require.True(t, sawDir, "expected directory object for nested dir a")
	require.True(t, sawFile, "expected file object for nested leaf")
}

func TestCheckinSymlink(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "target.txt"), []byte("target"), 0644))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link")))

	st, idx := newTestBackends(t)
	result, err := Checkin(context.Background(), root, st, idx, Options{})
	require.NoError(t, err)

	var sawSymlink bool
	for _, o := range result.Objects {
		if sl, ok := o.(object.Symlink); ok {
			require.NotNil(t, sl.Path)
			require.Equal(t, "target.txt", *sl.Path)
			sawSymlink = true
		}
	}
	require.True(t, sawSymlink)
}

func TestCheckinCyclicFileDependenciesProduceGraph(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("file a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("file b"), 0644))
	manifest := `{
		"a.txt": {"sibling": "b.txt"},
		"b.txt": {"sibling": "a.txt"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(root, depsManifest), []byte(manifest), 0644))

	st, idx := newTestBackends(t)
	result, err := Checkin(context.Background(), root, st, idx, Options{})
	require.NoError(t, err)

	aEdge, ok := result.Objects["a.txt"]
	require.True(t, ok)
	bEdge, ok := result.Objects["b.txt"]
	require.True(t, ok)

	aFile, ok := aEdge.(object.File)
	require.True(t, ok)
	bFile, ok := bEdge.(object.File)
	require.True(t, ok)

	require.Contains(t, aFile.Dependencies, "sibling")
	require.Contains(t, bFile.Dependencies, "sibling")
	require.Equal(t, object.EdgeLocal, aFile.Dependencies["sibling"].Kind)
	require.Equal(t, object.EdgeLocal, bFile.Dependencies["sibling"].Kind)
}

func TestCheckinLargeFileChunksAcrossMultipleBlobs(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 300*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), data, 0644))

	st, idx := newTestBackends(t)
	params := ChunkParams{Min: 4096, Avg: 8192, Max: 16384}
	result, err := Checkin(context.Background(), root, st, idx, Options{Chunk: params})
	require.NoError(t, err)

	bigEdge, ok := result.Objects["big.bin"]
	require.True(t, ok)
	bigFile, ok := bigEdge.(object.File)
	require.True(t, ok)

	blobData, err := st.Get(context.Background(), bigFile.Contents)
	require.NoError(t, err)
	require.NotEmpty(t, blobData)
}
