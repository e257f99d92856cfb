package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrSlabLimitExceeded is returned when creating another slab would exceed the budget.
var ErrSlabLimitExceeded = errors.New("slab limit exceeded")

// Config holds resource limits.
type Config struct {
	// MaxSlabs is the hard limit of device slabs alive at once.
	// If 0, no hard limit is enforced (only tracking).
	MaxSlabs int64

	// MaxBackgroundWorkers is the maximum number of concurrent defragmentation jobs.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// CopyBytesPerSec caps the throughput of background copies.
	// If 0, unlimited.
	CopyBytesPerSec int64
}

// Controller governs slab budget, background concurrency and copy throughput.
type Controller struct {
	cfg Config

	// Slabs
	slabSem   *semaphore.Weighted // nil if unlimited
	slabsUsed atomic.Int64

	// Concurrency
	bgSem *semaphore.Weighted

	// Copy throughput
	copyLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MaxSlabs > 0 {
		c.slabSem = semaphore.NewWeighted(cfg.MaxSlabs)
	}

	if cfg.CopyBytesPerSec > 0 {
		c.copyLimiter = rate.NewLimiter(rate.Limit(cfg.CopyBytesPerSec), int(cfg.CopyBytesPerSec))
	}

	return c
}

// AcquireSlab reserves budget for one more slab.
// Returns ErrSlabLimitExceeded if the limit would be exceeded.
// Non-blocking - callers decide whether to wait for a later frame.
func (c *Controller) AcquireSlab() error {
	if c == nil {
		return nil
	}
	if c.slabSem != nil && !c.slabSem.TryAcquire(1) {
		return ErrSlabLimitExceeded
	}
	c.slabsUsed.Add(1)
	return nil
}

// ReleaseSlab returns the budget of a destroyed slab.
func (c *Controller) ReleaseSlab() {
	if c == nil {
		return
	}
	if c.slabSem != nil {
		c.slabSem.Release(1)
	}
	c.slabsUsed.Add(-1)
}

// SlabsInUse returns the number of slabs currently reserved.
func (c *Controller) SlabsInUse() int64 {
	if c == nil {
		return 0
	}
	return c.slabsUsed.Load()
}

// SlabLimit returns the configured slab limit (0 if unlimited).
func (c *Controller) SlabLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MaxSlabs
}

// AcquireBackground reserves a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireCopy waits until the copy limit allows n bytes. Requests larger than
// the burst are paced in burst-sized steps.
func (c *Controller) AcquireCopy(ctx context.Context, n int) error {
	if c == nil || c.copyLimiter == nil {
		return nil
	}
	burst := c.copyLimiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := c.copyLimiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
