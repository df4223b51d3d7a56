package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// BlockClock reports the timestamp of the latest observed block. Run polls
// the node; Now never moves backwards even if the node reorganises.
type BlockClock struct {
	backend  Backend
	interval time.Duration
	logger   *slog.Logger
	now      atomic.Int64
	block    atomic.Uint64
}

var _ domain.Clock = (*BlockClock)(nil)

// NewBlockClock reads the current head once so Now is valid immediately.
func NewBlockClock(ctx context.Context, backend Backend, interval time.Duration, logger *slog.Logger) (*BlockClock, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	c := &BlockClock{
		backend:  backend,
		interval: interval,
		logger:   logger.With(slog.String("component", "block_clock")),
	}
	if err := c.poll(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Now returns the latest block timestamp in Unix seconds.
func (c *BlockClock) Now() int64 {
	return c.now.Load()
}

// Block returns the number of the latest observed head.
func (c *BlockClock) Block() uint64 {
	return c.block.Load()
}

// Run polls the chain head until ctx is cancelled. Poll failures are logged
// and retried on the next tick.
func (c *BlockClock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "head poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *BlockClock) poll(ctx context.Context) error {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain: head: %w", err)
	}
	ts := int64(head.Time)
	for {
		cur := c.now.Load()
		if ts <= cur || c.now.CompareAndSwap(cur, ts) {
			break
		}
	}
	if n := head.Number; n != nil && n.IsUint64() {
		if nb := n.Uint64(); nb > c.block.Load() {
			c.block.Store(nb)
		}
	}
	return nil
}
