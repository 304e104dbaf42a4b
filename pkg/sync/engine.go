// Package sync implements the bidirectional sync engine (§4.4): an
// in-memory working graph built up over one call, driven by a lazy
// remote enumeration stream and local Index/Store lookups, scheduling
// payload transfers until both sides' roots satisfy the call's
// options.
package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/errs"

	"tangram.dev/tangram/pkg/id"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

const maxTransferRetries = 5

var retryBackoff = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	time.Second,
	3 * time.Second,
	10 * time.Second,
}

// Direction labels which way a sync call is primarily moving data, for
// metrics only; the algorithm itself is symmetric.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Result is what a completed Sync call reports.
type Result struct {
	Fetched int
	Pushed  int
}

// Sync runs one bidirectional sync call for roots against remote,
// blocking until both termination conditions hold (§4.4.2 step 4) or
// ctx is cancelled.
func Sync(ctx context.Context, local LocalPeer, remote RemotePeer, roots []id.ID, opts Options, direction Direction) (Result, error) {
	logger := log.WithComponent("sync")
	start := time.Now()
	defer func() {
		metrics.SyncCallDuration.WithLabelValues(string(direction)).Observe(time.Since(start).Seconds())
	}()

	g := newWorkingGraph(opts)
	e := &engine{graph: g, local: local, remote: remote, opts: opts, logger: logger}

	for _, r := range roots {
		g.ensure(r)
		if err := e.materializeLocal(ctx, r); err != nil {
			return Result{}, err
		}
		if err := e.failureErr(); err != nil {
			return e.result, err
		}
	}

	events, err := remote.Stream(ctx, roots, opts)
	if err != nil {
		return Result{}, terror.Wrap(terror.Internal, err, "opening remote sync stream")
	}

	remoteDone := false
	for {
		if err := e.failureErr(); err != nil {
			return e.result, err
		}
		if e.terminated(roots, remoteDone) {
			return e.result, nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				remoteDone = true
				continue
			}
			if ev.End {
				remoteDone = true
				continue
			}
			e.handleRemoteEvent(ctx, ev)
		case <-ctx.Done():
			return e.result, ctx.Err()
		}
	}
}

// engine carries the mutable state one Sync call threads through
// materialization, transfer, and termination checks.
type engine struct {
	graph  *workingGraph
	local  LocalPeer
	remote RemotePeer
	opts   Options
	logger zerolog.Logger
	result Result

	// failures accumulates transfers that exhausted retries. Any entry
	// here ends the call: §4.4.5 surfaces repeated failure as a sync
	// error for the whole call, not per-node.
	failures []error
}

// failureErr reports the call's accumulated transfer failures as a
// single error, or nil if none have occurred yet.
func (e *engine) failureErr() error {
	if len(e.failures) == 0 {
		return nil
	}
	return terror.Wrap(terror.Internal, errs.Combine(e.failures...), "sync call failed: %d transfer(s) exhausted retries", len(e.failures))
}

// materializeLocal fetches nodeID's local flags and, when recursive,
// its children, recursing down the local side of the DAG (§4.4.2 step
// 1-2, local half).
func (e *engine) materializeLocal(ctx context.Context, nodeID id.ID) error {
	flags, err := e.local.Flags(ctx, nodeID)
	if err != nil {
		return err
	}
	e.graph.setOwnFlags(nodeID, Local, flags)
	e.maybeScheduleTransfer(ctx, nodeID)

	if !e.opts.Recursive {
		return nil
	}

	children, err := e.local.Children(ctx, nodeID)
	if err != nil {
		return err
	}
	e.graph.setChildren(nodeID, children)
	for _, childID := range children {
		if n, ok := e.graph.get(childID); ok && n.local.ownKnown {
			continue
		}
		if err := e.materializeLocal(ctx, childID); err != nil {
			return err
		}
	}
	return nil
}

// handleRemoteEvent folds one arrival from the remote enumeration
// stream into the working graph and schedules any transfer it newly
// makes necessary (§4.4.2 step 2-3).
func (e *engine) handleRemoteEvent(ctx context.Context, ev RemoteEvent) {
	e.graph.setOwnFlags(ev.ID, Remote, ev.Flags)
	if e.opts.Recursive {
		e.graph.setChildren(ev.ID, ev.Children)
	}
	e.maybeScheduleTransfer(ctx, ev.ID)
}

// maybeScheduleTransfer compares nodeID's node-scope state on both
// sides and issues a fetch or push if exactly one side has it
// (§4.4.2 step 3). Transfers run synchronously from the caller's
// goroutine; a real server would fan these out, but the algorithm's
// correctness doesn't depend on that.
func (e *engine) maybeScheduleTransfer(ctx context.Context, nodeID id.ID) {
	n, ok := e.graph.get(nodeID)
	if !ok {
		return
	}

	if n.local.ownKnown && !n.local.ownOK &&
		n.remote.ownKnown && n.remote.ownOK && !n.local.requested {
		n.local.requested = true
		e.transfer(ctx, nodeID, true)
		return
	}

	if n.remote.ownKnown && !n.remote.ownOK &&
		n.local.ownKnown && n.local.ownOK && !n.remote.requested {
		n.remote.requested = true
		e.transfer(ctx, nodeID, false)
	}
}

// transfer performs a single fetch (pull=true) or push (pull=false)
// for nodeID with bounded exponential-backoff retry (§4.4.5).
func (e *engine) transfer(ctx context.Context, nodeID id.ID, pull bool) {
	direction := "push"
	if pull {
		direction = "pull"
	}

	var lastErr error
	for attempt := 0; attempt <= maxTransferRetries; attempt++ {
		if attempt > 0 {
			step := attempt - 1
			if step >= len(retryBackoff) {
				step = len(retryBackoff) - 1
			}
			backoff := retryBackoff[step]
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}

		var err error
		if pull {
			var payload []byte
			payload, err = e.remote.Fetch(ctx, nodeID)
			if err == nil {
				err = e.local.Store(ctx, nodeID, payload)
			}
		} else {
			var payload []byte
			payload, err = e.local.Fetch(ctx, nodeID)
			if err == nil {
				err = e.remote.Push(ctx, nodeID, payload)
			}
		}

		if err == nil {
			metrics.SyncTransfersTotal.WithLabelValues(direction, "success").Inc()
			if pull {
				e.result.Fetched++
				e.graph.markOwnSatisfied(nodeID, Local)
			} else {
				e.result.Pushed++
				e.graph.markOwnSatisfied(nodeID, Remote)
			}
			return
		}
		lastErr = err
		e.logger.Warn().Err(err).Str("node", nodeID.String()).Str("direction", direction).Int("attempt", attempt).Msg("sync transfer failed, retrying")
	}

	metrics.SyncTransfersTotal.WithLabelValues(direction, "failure").Inc()
	e.logger.Error().Err(lastErr).Str("node", nodeID.String()).Str("direction", direction).Msg("sync transfer exhausted retries")
	e.failures = append(e.failures, terror.Wrap(terror.Internal, lastErr, "transferring %s (%s)", nodeID, direction))
}

// terminated reports whether both termination conditions hold
// (§4.4.2 step 4).
func (e *engine) terminated(roots []id.ID, remoteStreamDone bool) bool {
	for _, r := range roots {
		if !e.graph.required(r, Local) {
			return false
		}
	}
	if !remoteStreamDone {
		return false
	}
	for _, r := range roots {
		if !e.graph.required(r, Remote) {
			return false
		}
	}
	return true
}
