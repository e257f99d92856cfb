package meshpool

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/device/softgpu"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/pack"
	"github.com/hupe1980/meshpool/slab"
)

func testOptions() []Option {
	return []Option{
		WithSlabCapacity(1024),
		WithReadyTarget(2),
		WithMaxSlabs(8),
		WithAcquireTimeout(20 * time.Millisecond),
	}
}

func openTest(t *testing.T, dev *softgpu.Device, opts ...Option) *Manager {
	t.Helper()
	m, err := Open(dev, append(testOptions(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func packTerrain(t *testing.T, m *Manager, vertices int) *pack.HandleList {
	t.Helper()
	words := make([]uint32, vertices*format.Terrain.WordsPerVertex())
	for i := range words {
		words[i] = uint32(i)
	}
	l := pack.NewPackingList(1)
	require.NoError(t, l.AddPacking(format.Terrain, 0, vertices))

	out := pack.AcquireHandleList()
	res, err := m.NewPacker().Pack(context.Background(), l, words, out)
	require.NoError(t, err)
	require.Equal(t, 1, res.Spans)
	return out
}

func drawAll(t *testing.T, dev device.Device, out *pack.HandleList) {
	t.Helper()
	var bound device.VertexArrayID
	for _, h := range out.Handles() {
		require.NoError(t, h.Flush(dev))
		var err error
		bound, err = h.Bind(dev, bound)
		require.NoError(t, err)
		require.NoError(t, h.Draw(dev))
	}
}

func TestOpen_Validation(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()

	_, err := Open(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(dev, WithSlabCapacity(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(dev, WithSlabCapacity(128), WithMinRemainingBytes(256))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManager_PackAndDraw(t *testing.T) {
	dev := softgpu.New(softgpu.WithDrawLog())
	defer dev.Close()
	collector := &BasicMetricsCollector{}
	m := openTest(t, dev, WithMetricsObserver(collector))
	ctx := context.Background()

	require.NoError(t, m.Frame(ctx))
	out := packTerrain(t, m, 40)
	defer pack.ReleaseHandleList(out)
	require.Equal(t, 2, out.Len())

	drawAll(t, dev, out)
	log := dev.DrawLog()
	require.Len(t, log, 2)
	assert.Equal(t, 32, log[0].VertexCount)
	assert.Equal(t, 8, log[1].VertexCount)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, "reusable", st.Router)
	assert.Equal(t, 2, st.Pool.Active)
	assert.Equal(t, int64(1280), st.Pool.RetainedBytes)

	require.NoError(t, out.ReleaseAll())
	require.NoError(t, m.Frame(ctx))
	assert.Equal(t, int64(0), m.Stats().Pool.RetainedBytes)

	stats := collector.GetStats()
	assert.Equal(t, int64(2), stats.FrameCount)
	assert.GreaterOrEqual(t, stats.SlabsCreated, int64(2))
	assert.Equal(t, int64(1), stats.SlabsReset, "the full slab is reset; the open one stays active")
}

func TestManager_OneShotDevice(t *testing.T) {
	dev := softgpu.New(softgpu.WithCapabilities(device.Capabilities{PersistentMapping: false}))
	defer dev.Close()
	m := openTest(t, dev)
	ctx := context.Background()

	assert.Equal(t, "one-shot", m.Stats().Router)

	out := packTerrain(t, m, 40)
	defer pack.ReleaseHandleList(out)
	require.Equal(t, 1, out.Len())
	h := out.At(0)
	assert.Equal(t, slab.OneShot, h.Allocation().Slab().Kind())

	drawAll(t, dev, out)
	a := h.Allocation()
	got, err := dev.ReadBack(a.Slab().Buffer(), a.Offset()+4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(got), "second word uploaded")

	require.NoError(t, out.ReleaseAll())
	require.NoError(t, m.Frame(ctx))
	assert.True(t, a.Slab().IsDisposed())
}

func TestManager_ForceOneShot(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	m := openTest(t, dev, WithOneShot())
	assert.Equal(t, "one-shot", m.Stats().Router)
}

func TestManager_Rebuild(t *testing.T) {
	first := softgpu.New()
	defer first.Close()
	second := softgpu.New()
	defer second.Close()

	m := openTest(t, first)
	ctx := context.Background()
	packer := m.NewPacker()

	require.NoError(t, m.Frame(ctx))
	old := packTerrain(t, m, 4)
	defer pack.ReleaseHandleList(old)

	first.Lose()
	err := m.Frame(ctx)
	require.Error(t, err)
	assert.True(t, IsDeviceLost(err))

	require.NoError(t, m.Rebuild(ctx, second))
	assert.Equal(t, uint64(2), m.Generation())
	assert.Same(t, second, m.Device())
	assert.Empty(t, first.LiveBuffers())

	// Handles into the lost context draw nothing.
	require.NoError(t, old.At(0).Draw(second))
	assert.Zero(t, second.Stats().Draws)
	require.NoError(t, old.ReleaseAll())

	require.NoError(t, m.Frame(ctx))
	words := make([]uint32, 8)
	l := pack.NewPackingList(1)
	require.NoError(t, l.AddPacking(format.Terrain, 0, 1))
	out := pack.AcquireHandleList()
	defer pack.ReleaseHandleList(out)
	res, err := packer.Pack(ctx, l, words, out)
	require.NoError(t, err, "packers survive a rebuild")
	assert.Equal(t, 1, res.Handles)
	drawAll(t, second, out)
	assert.Equal(t, uint64(1), second.Stats().Draws)
	require.NoError(t, out.ReleaseAll())
}

func TestManager_Close(t *testing.T) {
	dev := softgpu.New()
	defer dev.Close()
	m, err := Open(dev, testOptions()...)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Frame(ctx))
	require.NoError(t, m.Close(ctx))
	assert.ErrorIs(t, m.Close(ctx), ErrClosed)
	assert.ErrorIs(t, m.Frame(ctx), ErrClosed)
	assert.ErrorIs(t, m.Rebuild(ctx, dev), ErrClosed)
	assert.ErrorIs(t, m.Claim(ctx, format.Terrain, 32, func(slab.Allocation) error { return nil }), ErrClosed)
	assert.Empty(t, dev.LiveBuffers())
}
