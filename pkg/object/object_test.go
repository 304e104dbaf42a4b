package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangram.dev/tangram/pkg/id"
)

func TestBlobLeafIDDeterministic(t *testing.T) {
	a := NewLeafBlob([]byte("hello"))
	b := NewLeafBlob([]byte("hello"))
	assert.True(t, a.ID().Equal(b.ID()))
	assert.Equal(t, uint64(5), a.Length())
}

func TestBlobBranchLength(t *testing.T) {
	child := NewLeafBlob([]byte("a"))
	branch := NewBranchBlob([]BlobChild{
		{ChildID: child.ID(), Length: child.Length()},
		{ChildID: child.ID(), Length: child.Length()},
	})
	assert.Equal(t, uint64(2), branch.Length())
}

func TestDirectoryIDStableUnderMapOrder(t *testing.T) {
	blob := NewLeafBlob([]byte("x"))
	edge := NewObjectEdge(blob.ID())
	d1 := NewDirectory(map[string]ArtifactEdge{"a": edge, "b": edge})
	d2 := NewDirectory(map[string]ArtifactEdge{"b": edge, "a": edge})
	assert.True(t, d1.ID().Equal(d2.ID()))
}

func TestDirectoryIDChangesWithEntries(t *testing.T) {
	blob := NewLeafBlob([]byte("x"))
	edge := NewObjectEdge(blob.ID())
	d1 := NewDirectory(map[string]ArtifactEdge{"a": edge})
	d2 := NewDirectory(map[string]ArtifactEdge{"a2": edge})
	assert.False(t, d1.ID().Equal(d2.ID()))
}

func TestFileOmitsDefaults(t *testing.T) {
	blob := NewLeafBlob([]byte("contents"))
	f1 := NewFile(blob.ID(), false, nil)
	f2 := NewFile(blob.ID(), false, map[string]ArtifactEdge{})
	assert.True(t, f1.ID().Equal(f2.ID()), "empty and nil dependency maps must canonicalize identically")
}

func TestFileExecutableChangesID(t *testing.T) {
	blob := NewLeafBlob([]byte("contents"))
	f1 := NewFile(blob.ID(), false, nil)
	f2 := NewFile(blob.ID(), true, nil)
	assert.False(t, f1.ID().Equal(f2.ID()))
}

func TestSymlinkRequiresArtifactOrPath(t *testing.T) {
	_, err := NewSymlink(nil, nil)
	assert.Error(t, err)

	path := "../relative"
	s, err := NewSymlink(nil, &path)
	require.NoError(t, err)
	assert.Equal(t, id.KindSymlink, s.ID().Kind())
}

func TestGraphLocalEdgesReferenceSiblings(t *testing.T) {
	fileA := File{
		Contents: NewLeafBlob([]byte("a")).ID(),
		Dependencies: map[string]ArtifactEdge{
			"./b": NewLocalEdge(1),
		},
	}
	fileB := File{Contents: NewLeafBlob([]byte("b")).ID()}

	g := NewGraph([]GraphNode{
		{Kind: NodeFile, File: &fileA},
		{Kind: NodeFile, File: &fileB},
	})

	assert.Equal(t, id.KindGraph, g.ID().Kind())
	assert.Contains(t, g.Value().String(), `"node":1`)
}

func TestCommandDeduplicatesByContent(t *testing.T) {
	c1 := Command{Host: "js", Executable: "run"}
	c2 := Command{Host: "js", Executable: "run"}
	assert.True(t, c1.ID().Equal(c2.ID()))

	c3 := Command{Host: "js", Executable: "other"}
	assert.False(t, c1.ID().Equal(c3.ID()))
}
