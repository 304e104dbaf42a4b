package sync

import (
	"context"

	"tangram.dev/tangram/pkg/id"
)

// LocalPeer is this server's side of a sync call: its Index for stored
// flags and its Store for payload transfer (§4.4.2).
type LocalPeer interface {
	// Flags returns nodeID's node-scope stored flags, or (nil, nil) if
	// the node is entirely unknown locally.
	Flags(ctx context.Context, nodeID id.ID) (*FlagSet, error)

	// Children returns nodeID's structural children (an object's direct
	// references, or a process's command/error/log/output/spawned-child
	// referents), or (nil, nil) if nodeID is unknown locally.
	Children(ctx context.Context, nodeID id.ID) ([]id.ID, error)

	// Fetch reads nodeID's own payload, for pushing to the remote.
	Fetch(ctx context.Context, nodeID id.ID) ([]byte, error)

	// Store writes payload fetched from the remote and marks nodeID
	// stored locally.
	Store(ctx context.Context, nodeID id.ID, payload []byte) error
}

// RemoteEvent is one arrival from a remote peer's enumeration stream
// (§4.4.2 step 1): either a node's node-scope facts and children, or
// the terminal end-marker.
type RemoteEvent struct {
	End bool

	ID       id.ID
	Flags    *FlagSet
	Children []id.ID
}

// RemotePeer is the sync call's view of the other server: a lazy
// enumeration stream plus bulk payload transfer (§4.4.2).
type RemotePeer interface {
	// Stream opens a server-sent enumeration of roots and their
	// transitive children, terminated by an End event.
	Stream(ctx context.Context, roots []id.ID, opts Options) (<-chan RemoteEvent, error)

	// Fetch reads nodeID's own payload from the remote, for pulling it
	// into the local Store.
	Fetch(ctx context.Context, nodeID id.ID) ([]byte, error)

	// Push writes payload to the remote's Store, marking nodeID stored
	// there.
	Push(ctx context.Context, nodeID id.ID, payload []byte) error
}
