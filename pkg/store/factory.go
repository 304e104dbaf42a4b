package store

import (
	"context"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/terror"
)

// New dispatches to the Store backend named by cfg.Backend. A server
// runs exactly one Store (§4.1).
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBolt:
		return NewBoltStore(cfg.BoltPath)
	case BackendS3:
		return NewS3Store(ctx, S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	case BackendCassandra:
		return NewCassandraStore(CassandraOptions{
			Hosts:    cfg.CassandraHosts,
			Keyspace: cfg.CassandraKeyspace,
		})
	default:
		return nil, terror.New(terror.Invalid, "unknown store backend %q", cfg.Backend)
	}
}
