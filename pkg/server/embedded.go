package server

import (
	"context"

	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/store"
)

// OpenStore opens this data directory's Store backend directly,
// without starting the rest of the server, for embedded-mode CLI
// subcommands (checkin/checkout/tag) that operate on a data directory
// without a running tangram serve.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.New(ctx, withDefaultPath(cfg.Store, cfg.DataDir))
}

// OpenIndex opens this data directory's Index backend directly, for
// the same embedded-mode CLI use as OpenStore.
func OpenIndex(cfg *config.Config) (index.Index, error) {
	return index.New(withDefaultIndexPath(cfg.Index, cfg.DataDir))
}

// OpenDatabase opens this data directory's relational Database
// directly, for the same embedded-mode CLI use as OpenStore.
func OpenDatabase(cfg *config.Config) (*database.DB, error) {
	return database.Open(withDefaultDSN(cfg.Database, cfg.DataDir))
}
