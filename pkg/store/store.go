// Package store implements the Store capability (§4.1): an
// append-only, byte-addressable payload map keyed by object ID, with
// pluggable backends selected by configuration. The Store performs no
// reference tracking — that is the Index's job.
package store

import (
	"context"
	"time"

	"tangram.dev/tangram/pkg/id"
)

// Store is the capability every backend implements. It is intentionally
// small and verb-based rather than an interface hierarchy: callers
// depend on Store, never on a concrete backend type.
type Store interface {
	// Put writes bytes for id, recording touchedAt. Idempotent: an
	// equal-bytes put for an existing ID succeeds silently; an
	// unequal-bytes put for an existing ID is a fatal integrity error.
	Put(ctx context.Context, id id.ID, data []byte, touchedAt time.Time) error

	// Get returns the bytes stored for id, or a NotFound error.
	Get(ctx context.Context, id id.ID) ([]byte, error)

	// Delete removes id's payload. Only the cleaner calls this.
	Delete(ctx context.Context, id id.ID) error

	// TryGetData is a fast-path for backends that can deserialize a
	// payload in place without forcing callers through a separate
	// parse pass. Backends that can't support this return ok=false.
	TryGetData(ctx context.Context, id id.ID) (data []byte, ok bool, err error)

	// Close releases backend resources.
	Close() error
}

// Backend names, used by configuration and metrics labels.
const (
	BackendMemory    = "memory"
	BackendBolt      = "bolt"
	BackendS3        = "s3"
	BackendCassandra = "cassandra"
)
