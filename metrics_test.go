package meshpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBasicMetricsCollector(t *testing.T) {
	var c BasicMetricsCollector

	c.OnFrame(2*time.Millisecond, nil)
	c.OnFrame(4*time.Millisecond, errors.New("map failed"))
	c.OnSlabCreated(1024, false)
	c.OnSlabCreated(96, true)
	c.OnSlabReset(1)
	c.OnSlabDisposed(2)
	c.OnDefrag(time.Millisecond, 3, 768, nil)
	c.OnQueueDepth("release", 5)
	c.OnQueueDepth("unknown", 9)
	c.OnAllocationFailure("timeout")

	s := c.GetStats()
	assert.Equal(t, int64(2), s.FrameCount)
	assert.Equal(t, int64(1), s.FrameErrors)
	assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), s.FrameAvgNanos)
	assert.Equal(t, int64(1), s.SlabsCreated)
	assert.Equal(t, int64(1), s.OneShotsCreated)
	assert.Equal(t, int64(1), s.SlabsReset)
	assert.Equal(t, int64(1), s.SlabsDisposed)
	assert.Equal(t, int64(3), s.DefragHandles)
	assert.Equal(t, int64(768), s.DefragBytes)
	assert.Equal(t, int64(5), s.ReleaseQueueDepth)
	assert.Equal(t, int64(0), s.RebufferQueueDepth)
	assert.Equal(t, int64(1), s.AllocationFailures)
}

func TestBasicMetricsCollector_Empty(t *testing.T) {
	var c BasicMetricsCollector
	assert.Zero(t, c.GetStats().FrameAvgNanos)
}
