package meshpool

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/meshpool/pool"
)

// Compile time check to ensure BasicMetricsCollector satisfies the observer interface.
var _ pool.MetricsObserver = (*BasicMetricsCollector)(nil)

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	FrameCount         atomic.Int64
	FrameErrors        atomic.Int64
	FrameTotalNanos    atomic.Int64
	SlabsCreated       atomic.Int64
	OneShotsCreated    atomic.Int64
	SlabsReset         atomic.Int64
	SlabsDisposed      atomic.Int64
	DefragCount        atomic.Int64
	DefragErrors       atomic.Int64
	DefragHandles      atomic.Int64
	DefragBytes        atomic.Int64
	AllocationFailures atomic.Int64
	ReleaseQueueDepth  atomic.Int64
	RebufferQueueDepth atomic.Int64
	ResetQueueDepth    atomic.Int64
}

// OnFrame implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnFrame(duration time.Duration, err error) {
	b.FrameCount.Add(1)
	b.FrameTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.FrameErrors.Add(1)
	}
}

// OnSlabCreated implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnSlabCreated(_ int, oneShot bool) {
	if oneShot {
		b.OneShotsCreated.Add(1)
		return
	}
	b.SlabsCreated.Add(1)
}

// OnSlabReset implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnSlabReset(uint32) {
	b.SlabsReset.Add(1)
}

// OnSlabDisposed implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnSlabDisposed(uint32) {
	b.SlabsDisposed.Add(1)
}

// OnDefrag implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnDefrag(_ time.Duration, handles int, bytes int64, err error) {
	b.DefragCount.Add(1)
	b.DefragHandles.Add(int64(handles))
	b.DefragBytes.Add(bytes)
	if err != nil {
		b.DefragErrors.Add(1)
	}
}

// OnQueueDepth implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnQueueDepth(name string, depth int) {
	switch name {
	case "release":
		b.ReleaseQueueDepth.Store(int64(depth))
	case "rebuffer":
		b.RebufferQueueDepth.Store(int64(depth))
	case "reset":
		b.ResetQueueDepth.Store(int64(depth))
	}
}

// OnAllocationFailure implements pool.MetricsObserver.
func (b *BasicMetricsCollector) OnAllocationFailure(string) {
	b.AllocationFailures.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		FrameCount:         b.FrameCount.Load(),
		FrameErrors:        b.FrameErrors.Load(),
		FrameAvgNanos:      b.getAvgFrameNanos(),
		SlabsCreated:       b.SlabsCreated.Load(),
		OneShotsCreated:    b.OneShotsCreated.Load(),
		SlabsReset:         b.SlabsReset.Load(),
		SlabsDisposed:      b.SlabsDisposed.Load(),
		DefragCount:        b.DefragCount.Load(),
		DefragErrors:       b.DefragErrors.Load(),
		DefragHandles:      b.DefragHandles.Load(),
		DefragBytes:        b.DefragBytes.Load(),
		AllocationFailures: b.AllocationFailures.Load(),
		ReleaseQueueDepth:  b.ReleaseQueueDepth.Load(),
		RebufferQueueDepth: b.RebufferQueueDepth.Load(),
		ResetQueueDepth:    b.ResetQueueDepth.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgFrameNanos() int64 {
	count := b.FrameCount.Load()
	if count == 0 {
		return 0
	}
	return b.FrameTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	FrameCount         int64
	FrameErrors        int64
	FrameAvgNanos      int64
	SlabsCreated       int64
	OneShotsCreated    int64
	SlabsReset         int64
	SlabsDisposed      int64
	DefragCount        int64
	DefragErrors       int64
	DefragHandles      int64
	DefragBytes        int64
	AllocationFailures int64
	ReleaseQueueDepth  int64
	RebufferQueueDepth int64
	ResetQueueDepth    int64
}
