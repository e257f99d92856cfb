package pool

import "time"

// MetricsObserver receives pool events.
type MetricsObserver interface {
	// OnFrame is called after each Frame with its duration and outcome.
	OnFrame(duration time.Duration, err error)

	// OnSlabCreated is called when a reusable or one-shot slab is created.
	OnSlabCreated(capacity int, oneShot bool)

	// OnSlabReset is called when an emptied slab returns to the idle stage.
	OnSlabReset(id uint32)

	// OnSlabDisposed is called when a slab's device buffer is destroyed.
	OnSlabDisposed(id uint32)

	// OnDefrag is called when the background goroutine finished copying a slab.
	OnDefrag(duration time.Duration, handles int, bytes int64, err error)

	// OnQueueDepth reports the depth of a lifecycle queue.
	OnQueueDepth(name string, depth int)

	// OnAllocationFailure is called when a request could not be served.
	OnAllocationFailure(reason string)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnFrame(time.Duration, error)              {}
func (NoopMetricsObserver) OnSlabCreated(int, bool)                   {}
func (NoopMetricsObserver) OnSlabReset(uint32)                        {}
func (NoopMetricsObserver) OnSlabDisposed(uint32)                     {}
func (NoopMetricsObserver) OnDefrag(time.Duration, int, int64, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                  {}
func (NoopMetricsObserver) OnAllocationFailure(string)                {}
