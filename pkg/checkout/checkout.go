// Package checkout materializes a content-addressed object graph back
// onto the filesystem (§3.2, §4.5): the inverse of pkg/checkin. It
// resolves artifact edges (direct object, graph reference, or local
// graph node) and writes directories, files, and symlinks beneath a
// destination path.
package checkout

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/terror"
)

// Checkout materializes object graphs from a Store onto the local
// filesystem, caching decoded Graph objects so a reference edge that's
// visited more than once doesn't refetch the graph.
type Checkout struct {
	store  store.Store
	graphs map[string]object.Graph
}

// New builds a Checkout reading from st.
func New(st store.Store) *Checkout {
	return &Checkout{
		store:  st,
		graphs: make(map[string]object.Graph),
	}
}

// Run materializes the object rooted at root into destPath, which must
// not already exist.
func (c *Checkout) Run(ctx context.Context, root object.ArtifactEdge, destPath string) error {
	if _, err := os.Lstat(destPath); err == nil {
		return terror.New(terror.Conflict, "checkout destination %s already exists", destPath)
	} else if !os.IsNotExist(err) {
		return terror.Wrap(terror.Internal, err, "stat %s", destPath)
	}
	return c.materialize(ctx, root, destPath)
}

// materialize resolves edge to a concrete object and writes it at
// destPath, recursing into directories.
func (c *Checkout) materialize(ctx context.Context, edge object.ArtifactEdge, destPath string) error {
	obj, err := c.resolve(ctx, edge)
	if err != nil {
		return err
	}

	switch o := obj.(type) {
	case object.Directory:
		return c.materializeDirectory(ctx, o, destPath)
	case object.File:
		return c.materializeFile(ctx, o, destPath)
	case object.Symlink:
		return c.materializeSymlink(o, destPath)
	default:
		return terror.New(terror.Invalid, "object at %s is not a filesystem artifact", destPath)
	}
}

func (c *Checkout) materializeDirectory(ctx context.Context, dir object.Directory, destPath string) error {
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return terror.Wrap(terror.Internal, err, "creating directory %s", destPath)
	}

	names := make([]string, 0, len(dir.Entries))
	for name := range dir.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.materialize(ctx, dir.Entries[name], filepath.Join(destPath, name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkout) materializeFile(ctx context.Context, f object.File, destPath string) error {
	data, err := c.readBlob(ctx, f.Contents)
	if err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if f.Executable {
		mode = 0755
	}
	if err := os.WriteFile(destPath, data, mode); err != nil {
		return terror.Wrap(terror.Internal, err, "writing file %s", destPath)
	}
	return nil
}

func (c *Checkout) materializeSymlink(s object.Symlink, destPath string) error {
	if s.Path == nil {
		return terror.New(terror.Invalid, "symlink at %s has no literal path; artifact-only symlinks are not yet checked out to a filesystem target", destPath)
	}
	if err := os.Symlink(*s.Path, destPath); err != nil {
		return terror.Wrap(terror.Internal, err, "creating symlink %s", destPath)
	}
	return nil
}

// readBlob recursively concatenates a blob's leaf bytes in order.
func (c *Checkout) readBlob(ctx context.Context, blobID id.ID) ([]byte, error) {
	data, err := c.store.Get(ctx, blobID)
	if err != nil {
		return nil, err
	}
	obj, err := object.Decode(data)
	if err != nil {
		return nil, err
	}
	blob, ok := obj.(object.Blob)
	if !ok {
		return nil, terror.New(terror.Invalid, "object is not a blob")
	}
	if blob.Kind == object.BlobLeaf {
		return blob.Data, nil
	}

	var out []byte
	for _, child := range blob.Children {
		childData, err := c.readBlob(ctx, child.ChildID)
		if err != nil {
			return nil, err
		}
		out = append(out, childData...)
	}
	return out, nil
}

// resolve fetches and decodes the object an edge points at, following
// graph references through the decoded-graph cache.
func (c *Checkout) resolve(ctx context.Context, edge object.ArtifactEdge) (object.Object, error) {
	switch edge.Kind {
	case object.EdgeObject:
		data, err := c.store.Get(ctx, edge.ObjectID)
		if err != nil {
			return nil, err
		}
		return object.Decode(data)

	case object.EdgeReference:
		g, err := c.getGraph(ctx, edge.GraphID)
		if err != nil {
			return nil, err
		}
		if edge.NodeIndex < 0 || edge.NodeIndex >= len(g.Nodes) {
			return nil, terror.New(terror.Invalid, "graph %s has no node %d", edge.GraphID, edge.NodeIndex)
		}
		node := g.Nodes[edge.NodeIndex]
		switch node.Kind {
		case object.NodeDirectory:
			return *node.Directory, nil
		case object.NodeFile:
			return *node.File, nil
		default:
			return *node.Symlink, nil
		}

	default:
		return nil, terror.New(terror.Invalid, "cannot materialize a local graph edge outside its graph")
	}
}

func (c *Checkout) getGraph(ctx context.Context, graphID id.ID) (object.Graph, error) {
	key := graphID.String()
	if g, ok := c.graphs[key]; ok {
		return g, nil
	}
	data, err := c.store.Get(ctx, graphID)
	if err != nil {
		return object.Graph{}, err
	}
	obj, err := object.Decode(data)
	if err != nil {
		return object.Graph{}, err
	}
	g, ok := obj.(object.Graph)
	if !ok {
		return object.Graph{}, terror.New(terror.Invalid, "object %s is not a graph", key)
	}
	c.graphs[key] = g
	return g, nil
}
