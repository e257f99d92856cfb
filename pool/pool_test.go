package pool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/device/softgpu"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/router"
	"github.com/hupe1980/meshpool/slab"
)

type recordingObserver struct {
	NoopMetricsObserver

	mu       sync.Mutex
	frames   int
	created  int
	resets   int
	disposed int
	defrags  []int64
	failures []string
}

func (o *recordingObserver) OnFrame(time.Duration, error) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *recordingObserver) OnSlabCreated(int, bool) {
	o.mu.Lock()
	o.created++
	o.mu.Unlock()
}

func (o *recordingObserver) OnSlabReset(uint32) {
	o.mu.Lock()
	o.resets++
	o.mu.Unlock()
}

func (o *recordingObserver) OnSlabDisposed(uint32) {
	o.mu.Lock()
	o.disposed++
	o.mu.Unlock()
}

func (o *recordingObserver) OnDefrag(_ time.Duration, _ int, bytes int64, _ error) {
	o.mu.Lock()
	o.defrags = append(o.defrags, bytes)
	o.mu.Unlock()
}

func (o *recordingObserver) OnAllocationFailure(reason string) {
	o.mu.Lock()
	o.failures = append(o.failures, reason)
	o.mu.Unlock()
}

func testConfig() Config {
	return Config{
		SlabCapacity:   1024,
		ReadyTarget:    2,
		MaxSlabs:       8,
		AcquireTimeout: 10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *softgpu.Device) {
	t.Helper()
	dev := softgpu.New()
	p, err := New(dev, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close(context.Background())
		_ = dev.Close()
	})
	return p, dev
}

// frameUntil runs frames on the calling goroutine until cond holds.
func frameUntil(t *testing.T, p *Pool, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.NoError(t, p.Frame(context.Background()))
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.SlabCapacity = 0 }},
		{"zero ready target", func(c *Config) { c.ReadyTarget = 0 }},
		{"negative max slabs", func(c *Config) { c.MaxSlabs = -1 }},
		{"ready target above max", func(c *Config) { c.ReadyTarget = 9 }},
		{"negative timeout", func(c *Config) { c.AcquireTimeout = -time.Second }},
		{"negative throughput", func(c *Config) { c.DefragBytesPerSec = -1 }},
	}
	require.NoError(t, testConfig().Validate())
	require.NoError(t, DefaultConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestPool_GetEmptyMappedTimesOut(t *testing.T) {
	obs := &recordingObserver{}
	p, _ := newTestPool(t, testConfig(), WithMetricsObserver(obs))

	start := time.Now()
	_, err := p.GetEmptyMapped(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, []string{"exhausted"}, obs.failures)
}

func TestPool_GetEmptyMappedNoWait(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 0
	p, _ := newTestPool(t, cfg)

	_, err := p.GetEmptyMapped(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_GetEmptyMappedHonorsContext(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = time.Minute
	p, _ := newTestPool(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := p.GetEmptyMapped(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_GetEmptyMappedWakesOnFrame(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	got := make(chan error, 1)
	go func() {
		s, err := p.GetEmptyMapped(context.Background())
		if err == nil && (!s.IsMapped() || s.Offset() != 0) {
			err = errors.New("slab not empty and mapped")
		}
		got <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Frame(context.Background()))
	require.NoError(t, <-got)
	assert.Equal(t, 1, p.Stats().Active)
}

func TestPool_PrepareEmptiesTopsUp(t *testing.T) {
	obs := &recordingObserver{}
	p, dev := newTestPool(t, testConfig(), WithMetricsObserver(obs))
	ctx := context.Background()

	require.NoError(t, p.Frame(ctx))
	st := p.Stats()
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 2, st.Slabs)
	assert.Equal(t, int64(2048), st.CapacityBytes)
	assert.Len(t, dev.LiveBuffers(), 2)

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, StageActive, p.StageOf(s.ID()))

	require.NoError(t, p.Frame(ctx))
	st = p.Stats()
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 3, obs.created)
	assert.Equal(t, 2, obs.frames)
}

func TestPool_SlabBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSlabs = 3
	obs := &recordingObserver{}
	p, _ := newTestPool(t, cfg, WithMetricsObserver(obs))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Frame(ctx))
		_, err := p.GetEmptyMapped(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, p.Frame(ctx))

	st := p.Stats()
	assert.Equal(t, 3, st.Slabs)
	assert.Equal(t, 3, st.Active)
	assert.Equal(t, 0, st.Ready)
	assert.Contains(t, obs.failures, "slab_limit")

	_, err := p.GetEmptyMapped(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_EmptyFinalSlabIsReset(t *testing.T) {
	obs := &recordingObserver{}
	p, _ := newTestPool(t, testConfig(), WithMetricsObserver(obs))
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(640, 32)
	require.True(t, ok)
	h, err := slab.NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	s.SetFinal()
	assert.Equal(t, StageActive, p.StageOf(s.ID()), "above half capacity")

	require.NoError(t, h.Release())
	assert.Equal(t, StagePendingRelease, p.StageOf(s.ID()))

	require.NoError(t, p.Frame(ctx))
	assert.Equal(t, 1, obs.resets)
	assert.Equal(t, 0, s.Offset())
	assert.False(t, s.IsFinal())
	assert.Equal(t, s.Capacity(), s.UnallocatedBytes())
	assert.Contains(t, []Stage{StageIdle, StageReady}, p.StageOf(s.ID()))
	assert.Equal(t, 2, p.Stats().Slabs, "reset slab is reused")
}

func TestPool_HalfEmptySlabWaitsWithoutWorker(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(256, 32)
	require.True(t, ok)
	s.SetFinal()
	require.Equal(t, StagePendingRelease, p.StageOf(s.ID()))

	require.NoError(t, p.Frame(ctx))
	assert.Equal(t, StagePendingRelease, p.StageOf(s.ID()))
	assert.False(t, s.IsMappedReadOnly())

	a.Discard()
	require.NoError(t, p.Frame(ctx))
	assert.Contains(t, []Stage{StageIdle, StageReady}, p.StageOf(s.ID()))
}

func TestPool_StragglerRequeuesRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(256, 32)
	require.True(t, ok)
	s.SetFinal()

	// Pretend a copy pass finished while the region was still unclaimed.
	p.mu.Lock()
	require.NoError(t, p.stages.move(s.ID(), StagePendingRelease, StagePendingReset))
	p.releaseQ = nil
	p.resetQ = append(p.resetQ, &resetJob{slab: s})
	p.mu.Unlock()

	require.NoError(t, p.Frame(ctx))
	assert.Equal(t, StagePendingRelease, p.StageOf(s.ID()))
	assert.Equal(t, 256, s.RetainedBytes())

	a.Discard()
	require.NoError(t, p.Frame(ctx))
	assert.Contains(t, []Stage{StageIdle, StageReady}, p.StageOf(s.ID()))
}

func TestPool_DefragmentPreservesContent(t *testing.T) {
	obs := &recordingObserver{}
	p, dev := newTestPool(t, testConfig(), WithMetricsObserver(obs))
	p.Start(router.NewReusable(p))
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	old, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)

	handles := make([]*slab.DrawHandle, 0, 4)
	for i := 0; i < 4; i++ {
		a, ok := old.RequestBytes(256, 32)
		require.True(t, ok)
		require.NoError(t, a.Write(0, bytes.Repeat([]byte{byte(i + 1)}, 256)))
		h, err := slab.NewDrawHandle(a, format.Terrain)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	old.SetFinal()
	for _, h := range handles[:3] {
		require.NoError(t, h.Release())
	}
	require.Equal(t, StagePendingRelease, p.StageOf(old.ID()))

	survivor := handles[3]
	frameUntil(t, p, func() bool { return survivor.Allocation().Slab() != old })

	moved := survivor.Allocation()
	got, err := dev.ReadBack(moved.Slab().Buffer(), moved.Offset(), 256)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{4}, 256), got)
	assert.Equal(t, 256, moved.Slab().RetainedBytes())

	assert.Zero(t, old.RetainerCount())
	assert.Zero(t, old.RetainedBytes())
	assert.Zero(t, old.Offset())
	assert.Contains(t, []Stage{StageIdle, StageReady}, p.StageOf(old.ID()))

	obs.mu.Lock()
	assert.Equal(t, []int64{256}, obs.defrags)
	obs.mu.Unlock()
}

func TestPool_OneShotDisposedAfterRelease(t *testing.T) {
	obs := &recordingObserver{}
	p, dev := newTestPool(t, testConfig(), WithMetricsObserver(obs))
	ctx := context.Background()

	s, err := p.NewOneShot(96)
	require.NoError(t, err)
	a, ok := s.RequestBytes(96, 32)
	require.True(t, ok)
	s.SetFinal()
	require.NoError(t, a.Write(0, bytes.Repeat([]byte{5}, 96)))
	h, err := slab.NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)

	require.NoError(t, p.FlushActive(ctx))
	assert.Len(t, dev.LiveBuffers(), 1, "uploaded on first flush")

	require.NoError(t, h.Release())
	require.NoError(t, p.PrepareEmpties(ctx))
	assert.True(t, s.IsDisposed())
	assert.Equal(t, StageNone, p.StageOf(s.ID()))
	assert.Equal(t, 1, obs.disposed)
}

func TestPool_RetiredVertexArraysAreDeleted(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(64, 32)
	require.True(t, ok)
	h, err := slab.NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	require.NoError(t, h.Flush(dev))
	vao, err := h.Bind(dev, 0)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	require.NoError(t, p.Frame(ctx))
	assert.ErrorIs(t, dev.BindVertexArray(vao), device.ErrUnknownVertexArray)
}

func TestPool_MapFailureAbortsFrame(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	ctx := context.Background()

	dev.FailNextMap(errors.New("driver refused"))
	err := p.Frame(ctx)
	var mapErr *device.MapError
	require.ErrorAs(t, err, &mapErr)
	assert.Equal(t, device.MapWrite, mapErr.Mode)

	require.NoError(t, p.Frame(ctx))
	assert.Equal(t, 2, p.Stats().Ready)
}

func TestPool_Close(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	p.Start(router.NewReusable(p))
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(64, 32)
	require.True(t, ok)
	h, err := slab.NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	assert.ErrorIs(t, p.Close(ctx), ErrClosed)
	assert.Empty(t, dev.LiveBuffers())
	assert.True(t, s.IsDisposed())
	assert.NoError(t, h.Draw(dev))

	_, err = p.GetEmptyMapped(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Frame(ctx), ErrClosed)
	assert.Equal(t, 0, p.Stats().Slabs)
}

func TestPool_FlushWaitsForWrite(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(64, 32)
	require.True(t, ok)

	// A frame between grant and copy must not consume the region.
	require.NoError(t, p.Frame(ctx))
	assert.False(t, s.Dirty())

	require.NoError(t, a.Write(0, bytes.Repeat([]byte{7}, 64)))
	assert.True(t, s.Dirty())
	require.NoError(t, p.Frame(ctx))
	require.NoError(t, p.Frame(ctx))

	got, err := dev.ReadBack(s.Buffer(), a.Offset(), 64)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 64), got)
	a.Discard()
}

func TestPool_OneShotUploadedOnceAfterWrite(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	ctx := context.Background()

	s, err := p.NewOneShot(64)
	require.NoError(t, err)
	a, ok := s.RequestBytes(64, 32)
	require.True(t, ok)
	s.SetFinal()

	require.NoError(t, p.FlushActive(ctx))
	assert.Empty(t, dev.LiveBuffers(), "nothing written yet")

	require.NoError(t, a.Write(0, bytes.Repeat([]byte{7}, 64)))
	h, err := slab.NewDrawHandle(a, format.Terrain)
	require.NoError(t, err)
	require.NoError(t, p.FlushActive(ctx))

	got, err := dev.ReadBack(s.Buffer(), 0, 64)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{7}, 64), got)

	before := dev.Stats()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Flush(dev))
		require.NoError(t, p.FlushActive(ctx))
	}
	after := dev.Stats()
	assert.Equal(t, before.Maps, after.Maps, "no re-upload")
	assert.Equal(t, before.BytesFlushed, after.BytesFlushed)

	require.NoError(t, h.Release())
}

func TestPool_CloseWaitsForPinnedWriter(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	a, ok := s.RequestBytes(64, 32)
	require.True(t, ok)
	dst, unlock, err := a.WriteLock()
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(ctx) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned while a writer held the mapping: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The mapping is still valid while the lock is held.
	copy(dst, bytes.Repeat([]byte{1}, 64))
	unlock()

	require.NoError(t, <-closed)
	assert.True(t, s.IsDisposed())
	assert.Empty(t, dev.LiveBuffers())

	_, _, err = a.WriteLock()
	assert.ErrorIs(t, err, slab.ErrDisposed)
}

// stalledClaimer blocks the defrag worker and ignores cancellation.
type stalledClaimer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *stalledClaimer) Claim(context.Context, *format.Format, int, func(slab.Allocation) error) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return ErrClosed
}

func TestPool_CloseTimeoutStillDisposes(t *testing.T) {
	p, dev := newTestPool(t, testConfig())
	claimer := &stalledClaimer{entered: make(chan struct{}), release: make(chan struct{})}
	p.Start(claimer)
	ctx := context.Background()
	require.NoError(t, p.Frame(ctx))

	s, err := p.GetEmptyMapped(ctx)
	require.NoError(t, err)
	handles := make([]*slab.DrawHandle, 0, 4)
	for i := 0; i < 4; i++ {
		a, ok := s.RequestBytes(256, 32)
		require.True(t, ok)
		require.NoError(t, a.Write(0, bytes.Repeat([]byte{byte(i)}, 256)))
		h, err := slab.NewDrawHandle(a, format.Terrain)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	s.SetFinal()
	for _, h := range handles[:3] {
		require.NoError(t, h.Release())
	}
	require.NoError(t, p.Frame(ctx))

	select {
	case <-claimer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("defrag worker never claimed")
	}

	closeCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = p.Close(closeCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.IsDisposed())
	assert.Empty(t, dev.LiveBuffers())
	assert.Zero(t, p.Stats().Slabs)

	close(claimer.release)
	p.wg.Wait()
	assert.ErrorIs(t, p.Close(ctx), ErrClosed)
}
