// Package runtime implements the process runtime (§4.6): spawning a
// process's sandbox under a global concurrency semaphore, emitting
// heartbeats, finishing on exit, and a watchdog that cancels processes
// whose heartbeat has gone stale.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tangram.dev/tangram/pkg/checkout"
	"tangram.dev/tangram/pkg/config"
	"tangram.dev/tangram/pkg/database"
	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/messenger"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/object"
	"tangram.dev/tangram/pkg/process"
	"tangram.dev/tangram/pkg/store"
	"tangram.dev/tangram/pkg/terror"
)

const defaultWatchdogInterval = time.Second

// Runtime drives spawned processes through created -> enqueued ->
// started -> finished, gating concurrent sandbox launches with a
// buffered-channel semaphore (the permit-gating idiom used throughout
// the pack) and cancelling processes whose heartbeat has expired.
type Runtime struct {
	store    store.Store
	idx      index.Index
	db       *database.DB
	msg      messenger.Messenger
	sandbox  Sandbox
	checkout *checkout.Checkout
	cacheDir string
	host     string

	permits           chan struct{}
	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration
	watchdogInterval  time.Duration

	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Runtime. host identifies this server for §4.6's "host
// matching this server" spawn-acceptance rule. cacheDir is where a
// command's mounted inputs are materialized before the sandbox
// launches (§4.6 step 2). msg may be nil; when set, every finish is
// published on the "finish" stream.
func New(st store.Store, idx index.Index, db *database.DB, msg messenger.Messenger, sandbox Sandbox, host string, cacheDir string, cfg config.RuntimeConfig) *Runtime {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runtime{
		store:             st,
		idx:               idx,
		db:                db,
		msg:               msg,
		sandbox:           sandbox,
		checkout:          checkout.New(st),
		cacheDir:          cacheDir,
		host:              host,
		permits:           make(chan struct{}, concurrency),
		heartbeatInterval: cfg.HeartbeatPeriod,
		heartbeatTTL:      cfg.HeartbeatTTL,
		watchdogInterval:  defaultWatchdogInterval,
		logger:            log.WithComponent("runtime"),
		cancels:           make(map[string]context.CancelFunc),
		stopCh:            make(chan struct{}),
	}
}

// Start begins the watchdog loop.
func (r *Runtime) Start() {
	r.wg.Add(1)
	go r.watchdogLoop()
}

// Stop terminates the watchdog loop and cancels every in-flight process.
func (r *Runtime) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel()
	}
}

// CanHost reports whether this server accepts a command's host field
// (§4.6: "For each spawned process with host matching this server").
func (r *Runtime) CanHost(cmd object.Command) bool {
	return cmd.Host == "" || cmd.Host == r.host
}

// Spawn creates a process for command and, unless an equal cacheable
// command has already finished, launches it asynchronously once a
// concurrency permit is free. It returns immediately with the created
// process record.
func (r *Runtime) Spawn(ctx context.Context, command id.ID, cacheable bool) (database.Process, error) {
	if cacheable {
		if match, ok, err := r.db.FindCacheableMatch(ctx, command.String()); err != nil {
			return database.Process{}, err
		} else if ok {
			r.logger.Debug().Str("command", command.String()).Str("reused", match.ID).Msg("reusing cacheable process output")
			sharedID := id.NewIdentity(id.KindProcess)
			shared, err := r.db.CreateProcess(ctx, sharedID.String(), command.String(), true)
			if err != nil {
				return database.Process{}, err
			}
			if err := r.idx.Put(ctx, index.PutArg{
				ID:                 sharedID,
				TouchedAt:          time.Now(),
				ProcessObjectEdges: []index.ProcessEdge{{Object: command, Kind: process.ChildCommand}},
			}); err != nil {
				return database.Process{}, err
			}
			if err := r.db.AdvanceStatus(ctx, shared.ID, "created", "enqueued"); err != nil {
				return database.Process{}, err
			}
			if err := r.db.AdvanceStatus(ctx, shared.ID, "enqueued", "started"); err != nil {
				return database.Process{}, err
			}
			if err := r.db.Finish(ctx, shared.ID, *match.Exit, match.ErrorCode, match.ErrorMessage, match.Log, match.Output); err != nil {
				return database.Process{}, err
			}
			r.recordFinish(ctx, shared.ID, match.Log, match.Output)
			if matchID, err := id.Parse(match.ID); err == nil {
				if err := r.idx.Put(ctx, index.PutArg{ID: command, TouchedAt: time.Now(), CacheEntry: &matchID}); err != nil {
					r.logger.Error().Err(err).Str("command", command.String()).Msg("failed to record cache entry edge")
				}
			}
			return r.db.GetProcess(ctx, shared.ID)
		}
	}

	processID := id.NewIdentity(id.KindProcess)
	p, err := r.db.CreateProcess(ctx, processID.String(), command.String(), cacheable)
	if err != nil {
		return database.Process{}, err
	}

	if err := r.idx.Put(ctx, index.PutArg{
		ID:                 processID,
		TouchedAt:          time.Now(),
		ProcessObjectEdges: []index.ProcessEdge{{Object: command, Kind: process.ChildCommand}},
	}); err != nil {
		return database.Process{}, err
	}

	metrics.ProcessesSpawnedTotal.Inc()

	if err := r.db.AdvanceStatus(ctx, p.ID, "created", "enqueued"); err != nil {
		return database.Process{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[p.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(runCtx, p.ID, command, cacheable)

	return r.db.GetProcess(ctx, p.ID)
}

// Cancel stops a running process, if one is in flight.
func (r *Runtime) Cancel(processID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[processID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// run acquires a permit, launches the sandbox, emits heartbeats, and
// finishes the process on exit (§4.6, steps 1-5).
func (r *Runtime) run(ctx context.Context, processID string, command id.ID, cacheable bool) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, processID)
		r.mu.Unlock()
	}()

	select {
	case r.permits <- struct{}{}:
		metrics.ProcessRuntimeConcurrency.Inc()
		defer func() {
			<-r.permits
			metrics.ProcessRuntimeConcurrency.Dec()
		}()
	case <-ctx.Done():
		r.finishCancelled(processID)
		return
	}

	if err := r.db.AdvanceStatus(ctx, processID, "enqueued", "started"); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to mark process started")
		return
	}
	if err := r.db.Heartbeat(ctx, processID, time.Now()); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to record initial heartbeat")
	}

	heartbeatStop := make(chan struct{})
	go r.heartbeatLoop(ctx, processID, heartbeatStop)
	defer close(heartbeatStop)

	cmd, err := r.loadCommand(ctx, command)
	if err != nil {
		r.finishFailed(ctx, processID, terror.Internal, err.Error())
		return
	}

	cmd, err = r.materializeMounts(ctx, cmd)
	if err != nil {
		r.finishFailed(ctx, processID, terror.Internal, err.Error())
		return
	}

	var stdin []byte
	if cmd.Stdin != nil {
		stdin, err = r.readBlobEdge(ctx, *cmd.Stdin)
		if err != nil {
			r.finishFailed(ctx, processID, terror.Internal, err.Error())
			return
		}
	}

	outcome, err := r.sandbox.Run(ctx, cmd, stdin)
	if ctx.Err() != nil {
		r.finishCancelled(processID)
		return
	}
	if err != nil {
		r.finishFailed(ctx, processID, terror.Internal, err.Error())
		return
	}

	r.finishSucceeded(ctx, processID, outcome)

	if cacheable && outcome.Exit == 0 {
		if pid, err := id.Parse(processID); err == nil {
			if err := r.idx.Put(ctx, index.PutArg{ID: command, TouchedAt: time.Now(), CacheEntry: &pid}); err != nil {
				r.logger.Error().Err(err).Str("process", processID).Msg("failed to record cache entry edge")
			}
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context, processID string, stop <-chan struct{}) {
	interval := r.heartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.db.Heartbeat(ctx, processID, time.Now()); err != nil {
				r.logger.Warn().Err(err).Str("process", processID).Msg("heartbeat failed")
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runtime) loadCommand(ctx context.Context, commandID id.ID) (object.Command, error) {
	data, err := r.store.Get(ctx, commandID)
	if err != nil {
		return object.Command{}, err
	}
	obj, err := object.Decode(data)
	if err != nil {
		return object.Command{}, err
	}
	cmd, ok := obj.(object.Command)
	if !ok {
		return object.Command{}, terror.New(terror.Invalid, "object %s is not a command", commandID)
	}
	return cmd, nil
}

func (r *Runtime) readBlobEdge(ctx context.Context, edge object.ArtifactEdge) ([]byte, error) {
	if edge.Kind != object.EdgeObject {
		return nil, terror.New(terror.Invalid, "stdin edge must reference a stored blob directly")
	}
	data, err := r.store.Get(ctx, edge.ObjectID)
	if err != nil {
		return nil, err
	}
	obj, err := object.Decode(data)
	if err != nil {
		return nil, err
	}
	blob, ok := obj.(object.Blob)
	if !ok || blob.Kind != object.BlobLeaf {
		return nil, terror.New(terror.Invalid, "stdin blob %s is not a leaf", edge.ObjectID)
	}
	return blob.Data, nil
}

// materializeMounts resolves any mount whose Source names a
// content-addressed object into a checked-out path under the cache
// directory, rewriting the mount to point at that path before the
// sandbox sees it (§4.6 step 2). A mount whose Source doesn't parse as
// an object ID is passed through unchanged, so a literal host path
// still binds straight through.
func (r *Runtime) materializeMounts(ctx context.Context, cmd object.Command) (object.Command, error) {
	if len(cmd.Mounts) == 0 {
		return cmd, nil
	}

	resolved := make([]object.Mount, len(cmd.Mounts))
	for i, m := range cmd.Mounts {
		objID, parseErr := id.Parse(m.Source)
		if parseErr != nil {
			resolved[i] = m
			continue
		}

		destPath := filepath.Join(r.cacheDir, objID.String())
		if _, statErr := os.Lstat(destPath); statErr != nil {
			if !os.IsNotExist(statErr) {
				return object.Command{}, terror.Wrap(terror.Internal, statErr, "checking cache entry %s", destPath)
			}
			if err := r.checkout.Run(ctx, object.NewObjectEdge(objID), destPath); err != nil {
				return object.Command{}, terror.Wrap(terror.Internal, err, "materializing mount %s", objID)
			}
		}

		resolved[i] = object.Mount{Source: destPath, Target: m.Target, Readonly: m.Readonly}
	}

	cmd.Mounts = resolved
	return cmd, nil
}

// finishSucceeded stores the sandbox's stdout as a log blob, records
// the finish, and enqueues the object edges finish must cover (§4.6,
// step 5).
func (r *Runtime) finishSucceeded(ctx context.Context, processID string, outcome Outcome) {
	var logID *string
	if len(outcome.Stdout) > 0 {
		leaf := object.NewLeafBlob(outcome.Stdout)
		data := leaf.Value().Canonical()
		if err := r.store.Put(ctx, leaf.ID(), data, time.Now()); err != nil {
			r.logger.Error().Err(err).Str("process", processID).Msg("failed to store process log")
		} else {
			stored := true
			if err := r.idx.Put(ctx, index.PutArg{
				ID:                  leaf.ID(),
				TouchedAt:           time.Now(),
				ObjectOwnStored:     &stored,
				ObjectNodeAggregate: &index.Aggregate{Count: 1, Size: uint64(len(data)), Solvable: true, Solved: true},
			}); err != nil {
				r.logger.Error().Err(err).Str("process", processID).Msg("failed to index process log")
			}
			leafID := leaf.ID().String()
			logID = &leafID
		}
	}

	errCode, errMessage := "", ""
	if outcome.Exit != 0 {
		errCode = string(terror.Internal)
		errMessage = "process exited with non-zero status"
	}

	if err := r.db.Finish(ctx, processID, outcome.Exit, errCode, errMessage, logID, nil); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to finish process")
		return
	}
	r.recordFinish(ctx, processID, logID, nil)

	outcomeLabel := "success"
	if outcome.Exit != 0 {
		outcomeLabel = "failure"
	}
	metrics.ProcessesFinishedTotal.WithLabelValues(outcomeLabel).Inc()
}

// finishFailed finalizes a process that could not be launched or
// decoded, with a synthetic non-zero exit.
func (r *Runtime) finishFailed(ctx context.Context, processID string, code terror.Code, message string) {
	if err := r.db.Finish(ctx, processID, 1, string(code), message, nil, nil); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to finish failed process")
	}
	r.recordFinish(ctx, processID, nil, nil)
	metrics.ProcessesFinishedTotal.WithLabelValues("failure").Inc()
}

// finishCancelled finalizes a process with the synthetic
// HeartbeatExpiration error (§3.4, §4.6).
func (r *Runtime) finishCancelled(processID string) {
	ctx := context.Background()
	if err := r.db.Finish(ctx, processID, 1, string(terror.HeartbeatExpiration), "process cancelled", nil, nil); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to finish cancelled process")
	}
	r.recordFinish(ctx, processID, nil, nil)
	metrics.HeartbeatExpirationsTotal.Inc()
	metrics.ProcessesFinishedTotal.WithLabelValues("cancelled").Inc()
}

// recordFinish writes a process's finish-time facts into the Index in
// one put (§4.6 step 5): log/output edges for the objects it produced,
// a vacuously-true node stored flag and a zero node aggregate for each
// child-kind it produced nothing for (so the kind's subtree rollup can
// complete now that the process is final, §4.3.1), then announces the
// finish on the messenger's finish stream.
func (r *Runtime) recordFinish(ctx context.Context, processID string, logID, output *string) {
	pid, err := id.Parse(processID)
	if err != nil {
		return
	}

	var edges []index.ProcessEdge
	flags := index.ProcessFlags{NodeError: true}
	aggs := index.ProcessAggregates{Error: index.AggregatePair{Node: &index.Aggregate{Solved: true}}}

	if logID != nil {
		if parsed, err := id.Parse(*logID); err == nil {
			edges = append(edges, index.ProcessEdge{Object: parsed, Kind: process.ChildLog})
		}
	} else {
		flags.NodeLog = true
		aggs.Log.Node = &index.Aggregate{Solved: true}
	}
	if output != nil {
		if parsed, err := id.Parse(*output); err == nil {
			edges = append(edges, index.ProcessEdge{Object: parsed, Kind: process.ChildOutput})
		}
	} else {
		flags.NodeOutput = true
		aggs.Output.Node = &index.Aggregate{Solved: true}
	}

	if err := r.idx.Put(ctx, index.PutArg{
		ID:                    pid,
		TouchedAt:             time.Now(),
		ProcessObjectEdges:    edges,
		ProcessOwnFlags:       &flags,
		ProcessNodeAggregates: &aggs,
	}); err != nil {
		r.logger.Error().Err(err).Str("process", processID).Msg("failed to record finish in index")
	}

	if r.msg != nil {
		if err := r.msg.Publish(ctx, "finish", []byte(processID)); err != nil {
			r.logger.Warn().Err(err).Str("process", processID).Msg("failed to publish finish event")
		}
	}
}

// watchdogLoop scans for started processes whose heartbeat has
// expired and cancels them (§4.6, §3.4), in the same
// Start/ticker/stopCh shape as pkg/worker/health_monitor.go's
// monitorLoop.
func (r *Runtime) watchdogLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepExpired()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runtime) sweepExpired() {
	cutoff := time.Now().Add(-r.heartbeatTTL)
	expired, err := r.db.ListHeartbeatExpired(context.Background(), cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("heartbeat expiry scan failed")
		return
	}
	for _, p := range expired {
		r.Cancel(p.ID)
	}
}
