package checkin

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

// maxBranchFanout bounds how many children one blob branch node holds
// before the chunker's leaves are grouped into a second level, keeping
// the blob tree from degenerating into one enormous flat branch on
// large files (§3.2, §4.5).
const maxBranchFanout = 1024

// Options configures a single checkin run.
type Options struct {
	Chunk ChunkParams
}

// Result is the outcome of checking in a filesystem tree: the root
// directory's object ID plus every path's resolved object, used to
// render the `.tangram/lock` lockfile (§4.5).
type Result struct {
	Root    id.ID
	Objects map[string]object.Object
}

// Checkin walks root, chunks file contents, builds directory/symlink
// objects, collapses any cyclic cross-file dependency into a Graph
// object, and issues a single logical Store+Index batch, then writes
// `.tangram/lock` describing the resulting graph (§4.5).
func Checkin(ctx context.Context, root string, st store.Store, idx index.Index, opts Options) (Result, error) {
	params := opts.Chunk
	if params == (ChunkParams{}) {
		params = DefaultChunkParams
	}

	t, err := walkTree(root)
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	resolved := make(map[string]object.ArtifactEdge, len(t.entries))
	objects := make(map[string]object.Object, len(t.entries))

	put := func(o object.Object) error {
		return putObject(ctx, st, idx, o, now)
	}

	// Symlinks carry no dependency edges to other tree entries, so they
	// can be resolved before the file/directory passes.
	for p, entry := range t.entries {
		if entry.kind != kindSymlink {
			continue
		}
		target := entry.target
		sl, err := object.NewSymlink(nil, &target)
		if err != nil {
			return Result{}, err
		}
		if err := put(sl); err != nil {
			return Result{}, err
		}
		resolved[p] = object.NewObjectEdge(sl.ID())
		objects[p] = sl
	}

	if err := resolveFiles(ctx, root, t, st, idx, params, now, resolved, objects); err != nil {
		return Result{}, err
	}

	if err := resolveDirectories(t, st, idx, now, resolved, objects, put); err != nil {
		return Result{}, err
	}

	rootEntries := make(map[string]object.ArtifactEdge, len(t.topLevelEntries()))
	for _, p := range t.topLevelEntries() {
		rootEntries[path.Base(p)] = resolved[p]
	}
	rootDir := object.NewDirectory(rootEntries)
	if err := put(rootDir); err != nil {
		return Result{}, err
	}

	result := Result{Root: rootDir.ID(), Objects: objects}
	if err := writeLockfile(root, result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// resolveFiles processes the strongly connected components of the
// file-to-file dependency graph in reverse-topological order,
// collapsing any component larger than a trivial self-loop-free
// singleton into a Graph object (§3.2, §4.5).
func resolveFiles(ctx context.Context, root string, t *tree, st store.Store, idx index.Index, params ChunkParams, now time.Time, resolved map[string]object.ArtifactEdge, objects map[string]object.Object) error {
	var filePaths []string
	edges := make(map[string][]string)
	for p, entry := range t.entries {
		if entry.kind != kindFile {
			continue
		}
		filePaths = append(filePaths, p)
		for _, target := range t.deps[p] {
			if te, ok := t.entries[target]; ok && te.kind == kindFile {
				edges[p] = append(edges[p], target)
			}
		}
	}
	sort.Strings(filePaths)

	components := tarjanSCC(filePaths, edges)

	for _, comp := range components {
		if len(comp) == 1 && !selfLoop(comp[0], edges) {
			p := comp[0]
			blobID, err := chunkAndPutFile(ctx, root, p, st, idx, params, now)
			if err != nil {
				return err
			}
			deps, err := depEdges(t, p, nil, resolved)
			if err != nil {
				return err
			}
			f := object.NewFile(blobID, t.entries[p].executable, deps)
			if err := putObject(ctx, st, idx, f, now); err != nil {
				return err
			}
			resolved[p] = object.NewObjectEdge(f.ID())
			objects[p] = f
			continue
		}

		sort.Strings(comp)
		localIndex := make(map[string]int, len(comp))
		for i, p := range comp {
			localIndex[p] = i
		}

		nodes := make([]object.GraphNode, len(comp))
		for i, p := range comp {
			blobID, err := chunkAndPutFile(ctx, root, p, st, idx, params, now)
			if err != nil {
				return err
			}
			deps, err := depEdges(t, p, localIndex, resolved)
			if err != nil {
				return err
			}
			f := object.NewFile(blobID, t.entries[p].executable, deps)
			nodes[i] = object.GraphNode{Kind: object.NodeFile, File: &f}
		}

		g := object.NewGraph(nodes)
		if err := putObject(ctx, st, idx, g, now); err != nil {
			return err
		}
		for i, p := range comp {
			resolved[p] = object.NewReferenceEdge(g.ID(), i)
		}
	}
	return nil
}

func selfLoop(p string, edges map[string][]string) bool {
	for _, e := range edges[p] {
		if e == p {
			return true
		}
	}
	return false
}

// depEdges resolves a file's declared dependencies to artifact edges:
// a reference within the same SCC becomes a local edge (by index); any
// other target must already be resolved, since components are
// processed in reverse-topological order.
func depEdges(t *tree, p string, localIndex map[string]int, resolved map[string]object.ArtifactEdge) (map[string]object.ArtifactEdge, error) {
	refs := t.deps[p]
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]object.ArtifactEdge, len(refs))
	for ref, target := range refs {
		if localIndex != nil {
			if idx, ok := localIndex[target]; ok {
				out[ref] = object.NewLocalEdge(idx)
				continue
			}
		}
		edge, ok := resolved[target]
		if !ok {
			return nil, terror.New(terror.Invalid, "dependency %q of %q references unresolved path %q", ref, p, target)
		}
		out[ref] = edge
	}
	return out, nil
}

// resolveDirectories processes directory entries deepest-first so every
// child is resolved before its parent's entries map is built.
func resolveDirectories(t *tree, st store.Store, idx index.Index, now time.Time, resolved map[string]object.ArtifactEdge, objects map[string]object.Object, put func(object.Object) error) error {
	var dirPaths []string
	for p, entry := range t.entries {
		if entry.kind == kindDirectory {
			dirPaths = append(dirPaths, p)
		}
	}
	sort.Slice(dirPaths, func(i, j int) bool {
		return strings.Count(dirPaths[i], "/") > strings.Count(dirPaths[j], "/")
	})

	for _, p := range dirPaths {
		entry := t.entries[p]
		entries := make(map[string]object.ArtifactEdge, len(entry.children))
		for _, child := range entry.children {
			edge, ok := resolved[child]
			if !ok {
				return terror.New(terror.Internal, "directory %q entry %q was not resolved", p, child)
			}
			entries[path.Base(child)] = edge
		}
		dir := object.NewDirectory(entries)
		if err := put(dir); err != nil {
			return err
		}
		resolved[p] = object.NewObjectEdge(dir.ID())
		objects[p] = dir
	}
	return nil
}

// chunkAndPutFile streams relPath's content through the content-defined
// chunker, builds a (possibly multi-level) blob tree from the
// resulting leaves, and persists every blob encountered.
func chunkAndPutFile(ctx context.Context, root, relPath string, st store.Store, idx index.Index, params ChunkParams, now time.Time) (id.ID, error) {
	f, err := os.Open(path.Join(root, relPath))
	if err != nil {
		return id.ID{}, terror.Wrap(terror.Internal, err, "opening %s", relPath)
	}
	defer f.Close()

	c := NewChunker(f, params)
	var leaves []object.BlobChild
	for {
		chunk, err := c.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return id.ID{}, terror.Wrap(terror.Internal, err, "chunking %s", relPath)
		}
		leaf := object.NewLeafBlob(chunk)
		if err := putObject(ctx, st, idx, leaf, now); err != nil {
			return id.ID{}, err
		}
		leaves = append(leaves, object.BlobChild{ChildID: leaf.ID(), Length: leaf.Length()})
	}

	if len(leaves) == 0 {
		empty := object.NewLeafBlob(nil)
		if err := putObject(ctx, st, idx, empty, now); err != nil {
			return id.ID{}, err
		}
		return empty.ID(), nil
	}
	if len(leaves) == 1 {
		return leaves[0].ChildID, nil
	}

	root2, err := buildBlobTree(ctx, st, idx, leaves, now)
	if err != nil {
		return id.ID{}, err
	}
	return root2, nil
}

// buildBlobTree groups a flat list of blob children into branch nodes
// of at most maxBranchFanout children, recursing until a single root
// blob remains, forming the "balanced tree" §3.2 describes.
func buildBlobTree(ctx context.Context, st store.Store, idx index.Index, children []object.BlobChild, now time.Time) (id.ID, error) {
	if len(children) <= maxBranchFanout {
		b := object.NewBranchBlob(children)
		if err := putObject(ctx, st, idx, b, now); err != nil {
			return id.ID{}, err
		}
		return b.ID(), nil
	}

	var next []object.BlobChild
	for i := 0; i < len(children); i += maxBranchFanout {
		end := i + maxBranchFanout
		if end > len(children) {
			end = len(children)
		}
		group := children[i:end]
		b := object.NewBranchBlob(group)
		if err := putObject(ctx, st, idx, b, now); err != nil {
			return id.ID{}, err
		}
		next = append(next, object.BlobChild{ChildID: b.ID(), Length: b.Length()})
	}
	return buildBlobTree(ctx, st, idx, next, now)
}

// putObject persists an object's canonical bytes to the Store and
// writes its node, edges, and node-scope aggregate to the Index in the
// same logical batch (§4.5: "Issue Store puts and Index puts in a
// single logical batch").
func putObject(ctx context.Context, st store.Store, idx index.Index, o object.Object, now time.Time) error {
	data := o.Value().Canonical()
	objID := o.ID()

	if err := st.Put(ctx, objID, data, now); err != nil {
		return err
	}

	ownStored := true
	nodeAgg := &index.Aggregate{
		Count:    1,
		Depth:    0,
		Size:     uint64(len(data)),
		Solvable: true,
		Solved:   true,
	}
	return idx.Put(ctx, index.PutArg{
		ID:                  objID,
		TouchedAt:           now,
		ObjectChildren:      object.Children(o),
		ObjectOwnStored:     &ownStored,
		ObjectNodeAggregate: nodeAgg,
	})
}

// writeLockfile records the resulting graph as a value-notation
// document at <root>/.tangram/lock, so a subsequent checkin of the same
// tree can short-circuit (§4.5).
func writeLockfile(root string, result Result) error {
	dir := path.Join(root, metaDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return terror.Wrap(terror.Internal, err, "creating %s", dir)
	}

	paths := make([]string, 0, len(result.Objects))
	for p := range result.Objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	artifacts := make(map[string]value.Value, len(paths))
	for _, p := range paths {
		artifacts[p] = value.String(result.Objects[p].ID().String())
	}

	lock := value.Object("lock", map[string]value.Value{
		"root":      value.String(result.Root.String()),
		"artifacts": value.Map(artifacts),
	})

	return os.WriteFile(path.Join(dir, "lock"), lock.Canonical(), 0644)
}
