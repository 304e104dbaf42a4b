// Package object implements Tangram's content-addressed object model
// (§3.2): blobs, directories, files, symlinks, graphs (for strongly
// connected components), and commands. Every type's ID is the BLAKE3
// hash of its canonical value-notation serialization (§3.4).
package object

import (
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/terror"
	"tangram.dev/tangram/pkg/value"
)

// Object is implemented by every content-addressed object kind.
type Object interface {
	// Value renders the object as a value-notation tree.
	Value() value.Value
	// ID computes the object's content-addressed identifier.
	ID() id.ID
}

// EdgeKind discriminates the three forms an artifact edge can take.
type EdgeKind int

const (
	// EdgeObject references another object directly by ID.
	EdgeObject EdgeKind = iota
	// EdgeReference references a node inside a stored Graph object.
	EdgeReference
	// EdgeLocal references a sibling node index within the Graph
	// currently being constructed (used only inside Graph nodes,
	// since the graph's own ID isn't known until after hashing).
	EdgeLocal
)

// ArtifactEdge is either a direct object ID, a reference into a stored
// Graph, or a local index into the Graph under construction (§3.2).
type ArtifactEdge struct {
	Kind      EdgeKind
	ObjectID  id.ID
	GraphID   id.ID
	NodeIndex int
}

// NewObjectEdge builds a direct-object-ID edge.
func NewObjectEdge(objectID id.ID) ArtifactEdge {
	return ArtifactEdge{Kind: EdgeObject, ObjectID: objectID}
}

// NewReferenceEdge builds an edge into a node of a stored Graph object.
func NewReferenceEdge(graphID id.ID, nodeIndex int) ArtifactEdge {
	return ArtifactEdge{Kind: EdgeReference, GraphID: graphID, NodeIndex: nodeIndex}
}

// NewLocalEdge builds an edge to a sibling node in the graph under construction.
func NewLocalEdge(nodeIndex int) ArtifactEdge {
	return ArtifactEdge{Kind: EdgeLocal, NodeIndex: nodeIndex}
}

// Value renders the edge's canonical form.
func (e ArtifactEdge) Value() value.Value {
	switch e.Kind {
	case EdgeObject:
		return value.String(e.ObjectID.String())
	case EdgeReference:
		return value.Map(map[string]value.Value{
			"graph": value.String(e.GraphID.String()),
			"node":  value.Number(float64(e.NodeIndex)),
		})
	default: // EdgeLocal
		return value.Map(map[string]value.Value{
			"node": value.Number(float64(e.NodeIndex)),
		})
	}
}

// BlobKind distinguishes an inline-bytes leaf from a branch of children.
type BlobKind int

const (
	BlobLeaf BlobKind = iota
	BlobBranch
)

// BlobChild is one entry of a branch blob's ordered child list.
type BlobChild struct {
	ChildID id.ID
	Length  uint64
}

// Blob is either a leaf of inline bytes or a branch of ordered children
// whose lengths sum to the branch's total length (§3.2).
type Blob struct {
	Kind     BlobKind
	Data     []byte
	Children []BlobChild
}

// NewLeafBlob builds a leaf blob from inline bytes.
func NewLeafBlob(data []byte) Blob {
	return Blob{Kind: BlobLeaf, Data: data}
}

// NewBranchBlob builds a branch blob from an ordered child list.
func NewBranchBlob(children []BlobChild) Blob {
	return Blob{Kind: BlobBranch, Children: children}
}

// Length returns the blob's total byte length.
func (b Blob) Length() uint64 {
	if b.Kind == BlobLeaf {
		return uint64(len(b.Data))
	}
	var total uint64
	for _, c := range b.Children {
		total += c.Length
	}
	return total
}

func (b Blob) Value() value.Value {
	if b.Kind == BlobLeaf {
		return value.Object("blob", map[string]value.Value{
			"data": value.Bytes(b.Data),
		})
	}
	children := make([]value.Value, len(b.Children))
	for i, c := range b.Children {
		children[i] = value.Map(map[string]value.Value{
			"blob":   value.String(c.ChildID.String()),
			"length": value.Number(float64(c.Length)),
		})
	}
	return value.Object("blob", map[string]value.Value{
		"children": value.Array(children...),
	})
}

func (b Blob) ID() id.ID { return id.NewContent(id.KindBlob, b.Value().Canonical()) }

// Directory maps entry names to artifact edges (§3.2). Names are unique
// and case-sensitive; insertion order doesn't affect identity since the
// map is canonicalized lexicographically before hashing.
type Directory struct {
	Entries map[string]ArtifactEdge
}

func NewDirectory(entries map[string]ArtifactEdge) Directory {
	return Directory{Entries: entries}
}

func (d Directory) Value() value.Value {
	fields := make(map[string]value.Value, len(d.Entries))
	for name, edge := range d.Entries {
		fields[name] = edge.Value()
	}
	return value.Object("directory", map[string]value.Value{
		"entries": value.Map(fields),
	})
}

func (d Directory) ID() id.ID { return id.NewContent(id.KindDirectory, d.Value().Canonical()) }

// File is a blob of contents plus an executable bit and dependency
// edges keyed by the reference string used in the file's command/script.
type File struct {
	Contents     id.ID
	Executable   bool
	Dependencies map[string]ArtifactEdge
}

func NewFile(contents id.ID, executable bool, deps map[string]ArtifactEdge) File {
	return File{Contents: contents, Executable: executable, Dependencies: deps}
}

func (f File) Value() value.Value {
	fields := map[string]value.Value{
		"contents": value.String(f.Contents.String()),
	}
	if f.Executable {
		fields["executable"] = value.Bool(true)
	}
	if len(f.Dependencies) > 0 {
		deps := make(map[string]value.Value, len(f.Dependencies))
		for ref, edge := range f.Dependencies {
			deps[ref] = edge.Value()
		}
		fields["dependencies"] = value.Map(deps)
	}
	return value.Object("file", fields)
}

func (f File) ID() id.ID { return id.NewContent(id.KindFile, f.Value().Canonical()) }

// Symlink carries either a target artifact edge, a literal relative
// path, or both; at least one must be set (§3.2).
type Symlink struct {
	Artifact *ArtifactEdge
	Path     *string
}

// NewSymlink validates and builds a Symlink.
func NewSymlink(artifact *ArtifactEdge, path *string) (Symlink, error) {
	if artifact == nil && path == nil {
		return Symlink{}, terror.New(terror.Invalid, "symlink requires an artifact, a path, or both")
	}
	return Symlink{Artifact: artifact, Path: path}, nil
}

func (s Symlink) Value() value.Value {
	fields := map[string]value.Value{}
	if s.Artifact != nil {
		fields["artifact"] = s.Artifact.Value()
	}
	if s.Path != nil {
		fields["path"] = value.String(*s.Path)
	}
	return value.Object("symlink", fields)
}

func (s Symlink) ID() id.ID { return id.NewContent(id.KindSymlink, s.Value().Canonical()) }

// NodeKind is the kind of a Graph node.
type NodeKind int

const (
	NodeDirectory NodeKind = iota
	NodeFile
	NodeSymlink
)

// GraphNode is one member of a Graph's ordered node sequence. Exactly
// one of Directory, File, or Symlink is populated, matching Kind.
type GraphNode struct {
	Kind      NodeKind
	Directory *Directory
	File      *File
	Symlink   *Symlink
}

func (n GraphNode) value() value.Value {
	switch n.Kind {
	case NodeDirectory:
		return n.Directory.Value()
	case NodeFile:
		return n.File.Value()
	default:
		return n.Symlink.Value()
	}
}

// Graph collapses a strongly connected component of the object DAG into
// a single content-addressed unit; inter-node references inside it are
// by index rather than by object ID (§3.2).
type Graph struct {
	Nodes []GraphNode
}

func NewGraph(nodes []GraphNode) Graph {
	return Graph{Nodes: nodes}
}

func (g Graph) Value() value.Value {
	nodes := make([]value.Value, len(g.Nodes))
	for i, n := range g.Nodes {
		nodes[i] = n.value()
	}
	return value.Object("graph", map[string]value.Value{
		"nodes": value.Array(nodes...),
	})
}

func (g Graph) ID() id.ID { return id.NewContent(id.KindGraph, g.Value().Canonical()) }

// Mount describes a filesystem mount made available to a command's
// sandbox (§3.3).
type Mount struct {
	Source   string
	Target   string
	Readonly bool
}

// Command is the content-addressed description of a process invocation
// (§3.3); equal commands are deduplicated by content address.
type Command struct {
	Host       string
	Executable string
	Args       []value.Value
	Env        map[string]value.Value
	Cwd        *string
	Mounts     []Mount
	Stdin      *ArtifactEdge
}

func (c Command) Value() value.Value {
	args := make([]value.Value, len(c.Args))
	copy(args, c.Args)

	env := make(map[string]value.Value, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}

	mounts := make([]value.Value, len(c.Mounts))
	for i, m := range c.Mounts {
		mounts[i] = value.Map(map[string]value.Value{
			"source":   value.String(m.Source),
			"target":   value.String(m.Target),
			"readonly": value.Bool(m.Readonly),
		})
	}

	fields := map[string]value.Value{
		"host":       value.String(c.Host),
		"executable": value.String(c.Executable),
		"args":       value.Array(args...),
		"env":        value.Map(env),
		"mounts":     value.Array(mounts...),
	}
	if c.Cwd != nil {
		fields["cwd"] = value.String(*c.Cwd)
	}
	if c.Stdin != nil {
		fields["stdin"] = c.Stdin.Value()
	}
	return value.Object("command", fields)
}

func (c Command) ID() id.ID { return id.NewContent(id.KindCommand, c.Value().Canonical()) }
