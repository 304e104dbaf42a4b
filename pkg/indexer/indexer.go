// Package indexer runs the propagation scheduling loop (§4.3): a
// ticker that drains the Index's propagation queue via UpdateBatch,
// recomputing subtree aggregates and stored flags until the queue goes
// quiet.
package indexer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/log"
	"tangram.dev/tangram/pkg/metrics"
	"tangram.dev/tangram/pkg/terror"
)

const defaultBatchSize = 256

// Indexer periodically drains its Index's propagation queue.
type Indexer struct {
	idx       index.Index
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// New creates an Indexer over idx, draining up to batchSize entries
// every interval.
func New(idx index.Index, interval time.Duration, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Indexer{
		idx:       idx,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithComponent("indexer"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the drain loop in a goroutine.
func (x *Indexer) Start() {
	go x.run()
}

// Stop terminates the drain loop.
func (x *Indexer) Stop() {
	close(x.stopCh)
}

func (x *Indexer) run() {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	x.logger.Info().Msg("indexer started")

	for {
		select {
		case <-ticker.C:
			if err := x.drainUntilQuiet(context.Background()); err != nil {
				x.logger.Error().Err(err).Msg("propagation cycle failed")
			}
		case <-x.stopCh:
			x.logger.Info().Msg("indexer stopped")
			return
		}
	}
}

// drainUntilQuiet repeatedly calls UpdateBatch until a drain consumes
// nothing, so a burst of puts converges within a single tick rather
// than trickling out one batch per interval. Index.UpdateBatch owns
// the per-call indexer metrics.
//
// A batch a backend reports as recoverable (a transaction that grew
// past the backend's size limit, or a conflict) is halved and retried
// rather than surfaced; only a batch of one that still fails comes
// back as an error.
func (x *Indexer) drainUntilQuiet(ctx context.Context) error {
	batch := x.batchSize
	for {
		n, err := x.idx.UpdateBatch(ctx, batch)
		if err != nil {
			if terror.Recoverable(err) && batch > 1 {
				batch /= 2
				metrics.PropagationBatchRetriesTotal.Inc()
				continue
			}
			return err
		}
		if n == 0 {
			return nil
		}
		if n < batch {
			return nil
		}
		batch = x.batchSize
	}
}
