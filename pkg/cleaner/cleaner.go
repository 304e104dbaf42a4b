// Package cleaner runs the scheduling loop for the Index's touched_at
// scan (§4.7): a ticker that repeatedly calls Index.Clean, deleting
// unreferenced, stale nodes.
package cleaner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tangram.dev/tangram/pkg/index"
	"tangram.dev/tangram/pkg/log"
)

const defaultBatchSize = 256

// Cleaner periodically sweeps its Index for unreferenced, stale nodes.
type Cleaner struct {
	idx       index.Index
	interval  time.Duration
	ttl       time.Duration
	batchSize int
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// New creates a Cleaner over idx, deleting nodes untouched for longer
// than ttl, up to batchSize per sweep, every interval.
func New(idx index.Index, interval, ttl time.Duration, batchSize int) *Cleaner {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Cleaner{
		idx:       idx,
		interval:  interval,
		ttl:       ttl,
		batchSize: batchSize,
		logger:    log.WithComponent("cleaner"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop in a goroutine.
func (c *Cleaner) Start() {
	go c.run()
}

// Stop terminates the sweep loop.
func (c *Cleaner) Stop() {
	close(c.stopCh)
}

func (c *Cleaner) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Msg("cleaner started")

	for {
		select {
		case <-ticker.C:
			if err := c.sweep(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("clean sweep failed")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("cleaner stopped")
			return
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-c.ttl)
	for {
		n, err := c.idx.Clean(ctx, cutoff, c.batchSize)
		if err != nil {
			return err
		}
		c.logger.Debug().Int("deleted", n).Msg("clean batch")
		if n < c.batchSize {
			return nil
		}
	}
}
