package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/device/softgpu"
	"github.com/hupe1980/meshpool/format"
)

func TestDrawHandle_NewRejectsPartialVertex(t *testing.T) {
	s := New(1, 1024, nil)
	a, ok := s.RequestBytes(40, 4)
	require.True(t, ok)

	_, err := NewDrawHandle(a, format.Terrain)
	assert.ErrorIs(t, err, ErrStrideMismatch)
	assert.Equal(t, 0, s.RetainerCount())
}

func TestDrawHandle_BindSkipsRebinding(t *testing.T) {
	dev := softgpu.New(softgpu.WithDrawLog())
	defer dev.Close()
	s := newMappedSlab(t, dev, 1024, nil)

	a, ok := s.RequestBytes(96, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	assert.Equal(t, 3, h.VertexCount())
	require.NoError(t, h.Flush(dev))

	bound, err := h.Bind(dev, 0)
	require.NoError(t, err)
	require.NotZero(t, bound)
	require.NoError(t, h.Draw(dev))

	again, err := h.Bind(dev, bound)
	require.NoError(t, err)
	assert.Equal(t, bound, again)
	require.NoError(t, h.Draw(dev))

	stats := dev.Stats()
	assert.Equal(t, uint64(1), stats.Binds)
	assert.Equal(t, uint64(2), stats.Draws)

	log := dev.DrawLog()
	require.Len(t, log, 2)
	assert.Equal(t, 3, log[0].VertexCount)
	assert.Equal(t, a.Offset(), log[0].ByteOffset)
}

func TestDrawHandle_DrawOnDisposedSlabIsNoop(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	s := newMappedSlab(t, dev, 1024, nil)

	a, ok := s.RequestBytes(32, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)

	require.NoError(t, s.Dispose(dev))
	bound, err := h.Bind(dev, 5)
	require.NoError(t, err)
	assert.Equal(t, device.VertexArrayID(5), bound)
	require.NoError(t, h.Draw(dev))
	assert.Equal(t, uint64(0), dev.Stats().Draws)
}

func TestDrawHandle_ReleaseRetiresVertexArray(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	sched := &recordingScheduler{}
	s := newMappedSlab(t, dev, 1024, sched)

	a, ok := s.RequestBytes(32, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	vao, err := h.Bind(dev, 0)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	assert.True(t, h.IsReleased())
	assert.Equal(t, []device.VertexArrayID{vao}, sched.retired)

	_, err = h.Bind(dev, 0)
	assert.ErrorIs(t, err, ErrReleased)
	assert.NoError(t, h.Draw(dev))
}

func TestDrawHandle_ReplaceAllocation(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	oldSlab := newMappedSlab(t, dev, 1024, nil)
	newSlab := New(2, 1024, nil)
	require.NoError(t, newSlab.Map(dev, device.MapWrite))

	a, ok := oldSlab.RequestBytes(64, 32)
	require.True(t, ok)
	require.NoError(t, a.Write(0, []byte("geometry")))
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	_, err = h.Bind(dev, 0)
	require.NoError(t, err)

	b, ok := newSlab.RequestBytes(64, 32)
	require.True(t, ok)
	require.NoError(t, a.CopyTo(b))

	swapped, err := h.ReplaceAllocation(dev, b)
	require.NoError(t, err)
	require.True(t, swapped)

	assert.Equal(t, b, h.Allocation())
	assert.Equal(t, 0, oldSlab.RetainedBytes())
	assert.Equal(t, 0, oldSlab.RetainerCount())
	assert.Equal(t, 64, newSlab.RetainedBytes())
	assert.Equal(t, 1, newSlab.RetainerCount())

	got, err := dev.ReadBack(newSlab.Buffer(), b.Offset(), 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("geometry"), got, "replacement is flushed")
}

func TestDrawHandle_ReplaceAllocationRetiresVertexArray(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	sched := &recordingScheduler{}
	oldSlab := newMappedSlab(t, dev, 1024, sched)
	newSlab := New(2, 1024, sched)
	require.NoError(t, newSlab.Map(dev, device.MapWrite))

	a, ok := oldSlab.RequestBytes(64, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	vao, err := h.Bind(dev, 0)
	require.NoError(t, err)

	b, ok := newSlab.RequestBytes(64, 32)
	require.True(t, ok)
	swapped, err := h.ReplaceAllocation(dev, b)
	require.NoError(t, err)
	require.True(t, swapped)

	sched.mu.Lock()
	retired := append([]device.VertexArrayID(nil), sched.retired...)
	sched.mu.Unlock()
	assert.Equal(t, []device.VertexArrayID{vao}, retired)

	next, err := h.Bind(dev, vao)
	require.NoError(t, err)
	assert.NotEqual(t, vao, next, "rebinding builds a vertex array over the new slab")
}

func TestDrawHandle_ReplaceAllocationDeleteError(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	oldSlab := newMappedSlab(t, dev, 1024, nil)
	newSlab := New(2, 1024, nil)
	require.NoError(t, newSlab.Map(dev, device.MapWrite))

	a, ok := oldSlab.RequestBytes(64, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	vao, err := h.Bind(dev, 0)
	require.NoError(t, err)
	require.NoError(t, dev.DeleteVertexArray(vao))

	b, ok := newSlab.RequestBytes(64, 32)
	require.True(t, ok)
	swapped, err := h.ReplaceAllocation(dev, b)
	assert.True(t, swapped)
	assert.ErrorIs(t, err, device.ErrUnknownVertexArray)
	assert.Equal(t, b, h.Allocation())
	assert.Equal(t, 0, oldSlab.RetainerCount(), "old slab released despite the delete error")
}

func TestDrawHandle_ReplaceAfterRelease(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	s := newMappedSlab(t, dev, 1024, nil)

	a, ok := s.RequestBytes(32, 32)
	require.True(t, ok)
	h, err := NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	require.NoError(t, h.Release())

	b, ok := s.RequestBytes(32, 32)
	require.True(t, ok)
	swapped, err := h.ReplaceAllocation(dev, b)
	require.NoError(t, err)
	assert.False(t, swapped)
	assert.Equal(t, 32, s.RetainedBytes(), "caller still owns the replacement")
	b.Discard()
	assert.Equal(t, 0, s.RetainedBytes())
}
