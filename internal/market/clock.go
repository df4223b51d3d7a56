package market

import (
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// SystemClock ticks in Unix seconds of the host wall clock.
type SystemClock struct{}

// Now returns the current Unix time in seconds.
func (SystemClock) Now() int64 { return time.Now().Unix() }

// ManualClock is a clock advanced explicitly. It is safe for concurrent use.
type ManualClock struct {
	now atomic.Int64
}

// NewManualClock returns a clock reading start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

// Now returns the current tick.
func (c *ManualClock) Now() int64 { return c.now.Load() }

// Advance moves the clock forward by d ticks and returns the new tick.
func (c *ManualClock) Advance(d int64) int64 { return c.now.Add(d) }

// Set moves the clock to t if t is later than the current tick.
func (c *ManualClock) Set(t int64) {
	for {
		cur := c.now.Load()
		if t <= cur || c.now.CompareAndSwap(cur, t) {
			return
		}
	}
}

var (
	_ domain.Clock = SystemClock{}
	_ domain.Clock = (*ManualClock)(nil)
)
