package index

import (
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/terror"
)

// New dispatches to the Index backend named by cfg.Backend. A server
// runs exactly one Index (§4.2.2).
func New(cfg config.IndexConfig) (Index, error) {
	switch cfg.Backend {
	case BackendBolt, "":
		return NewBoltIndex(cfg.BoltPath)
	case BackendFDB:
		return NewFDBIndex(cfg.FDBClusterFile, cfg.FDBSubspace)
	default:
		return nil, terror.New(terror.Invalid, "unknown index backend %q", cfg.Backend)
	}
}
