// Package server wires the Store, Index, Database, Messenger, Indexer,
// Cleaner, and Runtime components into one process that owns a data
// directory (§2: "single process that owns a data directory"): the
// store is built first, then every component layered on top, started
// in order and stopped in reverse, with the data directory lock and
// rlimit raise acquired once up front.
package server

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"tangram.dev/tangram/pkg/checkin"
	"tangram.dev/tangram/pkg/cleaner"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/httpapi"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/indexer"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/messenger"
	"tangram.dev/tangram/pkg/runtime"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/terror"

	"github.com/rs/zerolog"
)

// dataDirSubdirs are the directories §6.4 requires under the data
// directory; artifacts/cache are mutually exclusive modes left for a
// future VFS toggle (§9 Open Questions), both created regardless since
// pkg/checkout only ever needs one of them per run.
var dataDirSubdirs = []string{"artifacts", "cache", "logs", "index", "store", "tmp", "tags"}

// nofileTarget is the rlimit this server tries to raise to at startup
// (§5's shared-resource policy): content-addressed storage holds many
// small objects open across concurrent requests.
const nofileTarget = 65536

// Server owns the data directory and every component layered on top
// of it, for exactly one process's lifetime.
type Server struct {
	cfg  *config.Config
	lock *dataDirLock

	store     store.Store
	index     index.Index
	database  *database.DB
	messenger messenger.Messenger
	sandbox   *runtime.ContainerdSandbox
	indexer   *indexer.Indexer
	cleaner   *cleaner.Cleaner
	runtime   *runtime.Runtime
	http      *httpapi.Server

	logger zerolog.Logger
}

// New builds every component in dependency order but does not start
// any background loop or listener; call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	raiseNofile(nofileTarget)

	host := cfg.Host
	if host == "" {
		resolved, err := os.Hostname()
		if err != nil {
			return nil, terror.Wrap(terror.Internal, err, "resolving host identity")
		}
		host = resolved
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, terror.Wrap(terror.Internal, err, "creating data directory %s", cfg.DataDir)
	}
	for _, sub := range dataDirSubdirs {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0o755); err != nil {
			return nil, terror.Wrap(terror.Internal, err, "creating data subdirectory %s", sub)
		}
	}

	lock, err := acquireDataDirLock(filepath.Join(cfg.DataDir, "lock"))
	if err != nil {
		return nil, err
	}
	if err := checkOrWriteVersion(cfg.DataDir); err != nil {
		lock.Release()
		return nil, err
	}

	st, err := store.New(ctx, withDefaultPath(cfg.Store, cfg.DataDir))
	if err != nil {
		lock.Release()
		return nil, err
	}
	idx, err := index.New(withDefaultIndexPath(cfg.Index, cfg.DataDir))
	if err != nil {
		st.Close()
		lock.Release()
		return nil, err
	}
	db, err := database.Open(withDefaultDSN(cfg.Database, cfg.DataDir))
	if err != nil {
		idx.Close()
		st.Close()
		lock.Release()
		return nil, err
	}
	msg, err := messenger.New(cfg.Messenger)
	if err != nil {
		db.Close()
		idx.Close()
		st.Close()
		lock.Release()
		return nil, err
	}
	for _, stream := range []string{"queue", "finish", "propagation"} {
		if err := msg.CreateStream(ctx, stream); err != nil {
			msg.Close()
			db.Close()
			idx.Close()
			st.Close()
			lock.Release()
			return nil, err
		}
	}

	sandbox, err := runtime.NewContainerdSandbox(cfg.Runtime.ContainerdSocket)
	if err != nil {
		msg.Close()
		db.Close()
		idx.Close()
		st.Close()
		lock.Release()
		return nil, err
	}

	idxr := indexer.New(idx, cfg.Indexer.Interval, cfg.Indexer.BatchSize)
	cln := cleaner.New(idx, cfg.Cleaner.Interval, cfg.Cleaner.TTL, cfg.Cleaner.BatchSize)
	rt := runtime.New(st, idx, db, msg, sandbox, host, filepath.Join(cfg.DataDir, "cache"), cfg.Runtime)

	h := httpapi.New(httpapi.Deps{
		Store:     st,
		Index:     idx,
		Database:  db,
		Messenger: msg,
		Runtime:   rt,
		ChunkParams: checkin.ChunkParams{
			Min: cfg.Chunker.MinSize,
			Avg: cfg.Chunker.AvgSize,
			Max: cfg.Chunker.MaxSize,
		},
		Version: onDiskVersion,
	})

	return &Server{
		cfg:       cfg,
		lock:      lock,
		store:     st,
		index:     idx,
		database:  db,
		messenger: msg,
		sandbox:   sandbox,
		indexer:   idxr,
		cleaner:   cln,
		runtime:   rt,
		http:      h,
		logger:    log.WithComponent("server"),
	}, nil
}

// Start launches every background loop and begins serving HTTP. It
// blocks until the HTTP listener stops; run it in its own goroutine to
// drive shutdown from the caller.
func (s *Server) Start() error {
	s.runtime.Start()
	s.indexer.Start()
	s.cleaner.Start()
	s.logger.Info().Str("data_dir", s.cfg.DataDir).Msg("tangram server starting")
	return s.http.Serve(s.cfg.HTTP)
}

// Stop shuts every component down in reverse dependency order and
// releases the data directory lock.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	s.runtime.Stop()
	s.cleaner.Stop()
	s.indexer.Stop()

	if err := s.sandbox.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("sandbox close")
	}
	if err := s.messenger.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("messenger close")
	}
	if err := s.database.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("database close")
	}
	if err := s.index.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("index close")
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("store close")
	}
	return s.lock.Release()
}

// raiseNofile raises RLIMIT_NOFILE to target, best-effort: a server
// running unprivileged under a tighter hard limit still starts, just
// closer to exhausting file descriptors under heavy concurrency.
func raiseNofile(target uint64) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return
	}
	if rlim.Cur >= target {
		return
	}
	want := target
	if rlim.Max < want {
		want = rlim.Max
	}
	rlim.Cur = want
	_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}

func withDefaultPath(cfg config.StoreConfig, dataDir string) config.StoreConfig {
	if cfg.Backend == store.BackendBolt && cfg.BoltPath == "" {
		cfg.BoltPath = filepath.Join(dataDir, "store", "store.db")
	}
	return cfg
}

func withDefaultIndexPath(cfg config.IndexConfig, dataDir string) config.IndexConfig {
	if cfg.Backend == index.BackendBolt && cfg.BoltPath == "" {
		cfg.BoltPath = filepath.Join(dataDir, "index", "index.db")
	}
	return cfg
}

func withDefaultDSN(cfg config.DatabaseConfig, dataDir string) config.DatabaseConfig {
	if cfg.Driver == "sqlite" && cfg.DSN == "" {
		cfg.DSN = filepath.Join(dataDir, "database")
	}
	return cfg
}
