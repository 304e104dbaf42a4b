// Package index implements the Index capability (§4.2): the graph
// database of node records, stored flags, subtree aggregates, edge
// tables, tags, and the versionstamp-ordered propagation queue. The
// package also implements the propagator algorithm itself (§4.3) and
// the touched_at-ordered clean scan (§4.7) as "update_batch"/"clean"
// operations of the Index — pkg/indexer and pkg/cleaner are thin
// scheduling loops over these operations.
package index

import (
	"context"
	"time"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/process"
)

// ObjectFlags tracks which parts of an object's subtree are stored
// locally. OwnStored is a fact set by the caller when the object's own
// payload lands in the Store; SubtreeStored is derived by rollup
// (§4.2).
type ObjectFlags struct {
	OwnStored     bool
	SubtreeStored bool
}

// ProcessFlags tracks the nine stored-flag booleans the Index keeps
// per process: whether the process's direct subtree is stored, and
// whether each of its four child-kinds is stored at node and subtree
// scope (§4.2).
type ProcessFlags struct {
	Subtree bool

	NodeCommand bool
	NodeError   bool
	NodeLog     bool
	NodeOutput  bool

	SubtreeCommand bool
	SubtreeError   bool
	SubtreeLog     bool
	SubtreeOutput  bool
}

// Aggregate is the rollup value {count, depth, size, solvable, solved}
// computed for a node or its subtree. A *Aggregate of nil means "not
// yet computed" — the whole aggregate is withheld until every input it
// depends on is itself computed (§4.2, §4.3.1).
type Aggregate struct {
	Count    uint64
	Depth    uint64
	Size     uint64
	Solvable bool
	Solved   bool
}

// ObjectAggregates holds an object node's node-scope and subtree-scope
// aggregates.
type ObjectAggregates struct {
	Node    *Aggregate
	Subtree *Aggregate
}

// AggregatePair holds the node-scope and subtree-scope aggregate for
// one process child-kind.
type AggregatePair struct {
	Node    *Aggregate
	Subtree *Aggregate
}

// ProcessAggregates holds the four independently-rolled-up child-kind
// aggregate pairs tracked for a process (§4.2, §4.3.1).
type ProcessAggregates struct {
	Command AggregatePair
	Error   AggregatePair
	Log     AggregatePair
	Output  AggregatePair
}

// NodeRecord is the Index's per-entity record (§4.2).
type NodeRecord struct {
	ID             id.ID
	Exists         bool
	TouchedAt      time.Time
	ReferenceCount int64

	ObjectFlags  *ObjectFlags
	ProcessFlags *ProcessFlags

	ObjectAggregates  *ObjectAggregates
	ProcessAggregates *ProcessAggregates

	// CacheEntry is the process this object's cache_entry edge points
	// at: the process whose recorded output satisfies the command
	// object names, when one has been recorded (§4.2's "object →
	// cache_entry and its reverse"). nil when the object has no cache
	// entry or the record describes a process.
	CacheEntry *id.ID
}

// IsProcess reports whether the record describes a process.
func (n NodeRecord) IsProcess() bool { return n.ID.Kind() == id.KindProcess }

// ProcessEdge is one process->object edge, tagged with which child-kind
// it represents (§4.2).
type ProcessEdge struct {
	Object id.ID
	Kind   process.ChildKind
}

// UpdateKind discriminates a propagation queue entry (§4.2).
type UpdateKind int

const (
	// Put means the node was just inserted or modified.
	Put UpdateKind = iota
	// Propagate means a child notified this node its subtree may need
	// recomputing.
	Propagate
)

// QueueEntry is one propagation queue entry, ordered by versionstamp (§4.2).
type QueueEntry struct {
	ID           id.ID
	Kind         UpdateKind
	Versionstamp uint64
	EnqueuedAt   time.Time
}

// PutArg is the atomic write Put accepts: a node plus its outgoing
// edges (§4.2.1).
type PutArg struct {
	ID        id.ID
	TouchedAt time.Time

	// ObjectChildren/ProcessChildren are the outgoing edges of this
	// node, in dependency order.
	ObjectChildren  []id.ID
	ProcessChildren []id.ID
	// ProcessObjectEdges are this process's command/error/log/output
	// edges, when ID is a process.
	ProcessObjectEdges []ProcessEdge

	// InitialReferenceCount seeds rc(N) on first insertion; subsequent
	// puts for an already-existing node leave the reference count
	// untouched (it is maintained solely by edge cascades).
	InitialReferenceCount int64

	// ObjectOwnStored records whether this object's own payload is
	// present in the Store as of this put.
	ObjectOwnStored *bool

	// ObjectNodeAggregate is the node-scope aggregate an object
	// contributes on its own (its size, and whether it is itself
	// solvable/solved), independent of its children. nil leaves it
	// uncomputed.
	ObjectNodeAggregate *Aggregate

	// ProcessNodeAggregates carries the node-scope aggregate for each
	// of a process's four child-kinds, known once the corresponding
	// object (command at spawn time; error/log/output at finish time)
	// is available.
	ProcessNodeAggregates *ProcessAggregates

	// ProcessOwnFlags carries the four node_* stored-flag facts for a
	// process (whether its command/error/log/output object is stored
	// locally); subtree_* and the overall subtree flag are always
	// derived by rollup, never supplied directly.
	ProcessOwnFlags *ProcessFlags

	// CacheEntry records the object → cache_entry edge: when arg.ID is
	// a command object, CacheEntry is the process whose already-finished
	// output is reusable for it. The reverse index (cache_entry ->
	// objects) is maintained by the backend alongside the forward edge.
	CacheEntry *id.ID
}

// Index is the capability every backend implements (§4.2).
type Index interface {
	// Put atomically writes a node, its outgoing edges, and appends a
	// Put propagation-queue entry.
	Put(ctx context.Context, arg PutArg) error

	// Touch updates touched_at without enqueueing propagation.
	Touch(ctx context.Context, nodeID id.ID, touchedAt time.Time) error

	// GetNode fetches a node record, or a NotFound error.
	GetNode(ctx context.Context, nodeID id.ID) (NodeRecord, error)

	// PutTag upserts a mutable tag -> item pointer plus its reverse index.
	PutTag(ctx context.Context, tag string, item id.ID) error
	// DeleteTag removes a tag and its reverse index entry.
	DeleteTag(ctx context.Context, tag string) error
	// ResolveTag looks up a tag's current target.
	ResolveTag(ctx context.Context, tag string) (id.ID, error)

	// UpdateBatch drains up to n propagation-queue entries, recomputing
	// aggregates and stored flags and enqueueing parent propagations
	// for every changed node (§4.3). It returns how many entries were
	// consumed.
	UpdateBatch(ctx context.Context, n int) (int, error)

	// WatermarkFinished reports whether every queue entry with
	// versionstamp <= at has been processed (§4.3.2).
	WatermarkFinished(ctx context.Context, at uint64) (bool, error)
	// CurrentVersionstamp returns the most recently assigned
	// versionstamp, for callers that want to capture T before draining.
	CurrentVersionstamp(ctx context.Context) (uint64, error)

	// Clean scans the touched_at-ordered secondary index and deletes
	// nodes (and their edges) whose reference_count == 0 and
	// touched_at < maxTouchedAt, up to batchSize entries (§4.7).
	Clean(ctx context.Context, maxTouchedAt time.Time, batchSize int) (int, error)

	Close() error
}

// Backend names, used by configuration and metrics labels.
const (
	BackendBolt = "bolt"
	BackendFDB  = "fdb"
)
