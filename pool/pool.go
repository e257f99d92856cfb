package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/internal/resource"
	"github.com/hupe1980/meshpool/slab"
)

// Claimer hands out fresh allocations. The background goroutine uses it to
// place the live regions of a slab being defragmented.
type Claimer interface {
	Claim(ctx context.Context, f *format.Format, byteCount int, onRegion func(slab.Allocation) error) error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// swap is a finished copy waiting to be installed into its handle.
type swap struct {
	handle *slab.DrawHandle
	alloc  slab.Allocation
}

// resetJob carries a slab from the background goroutine back to the render
// goroutine.
type resetJob struct {
	slab  *slab.Slab
	swaps []swap
}

// Pool owns every slab of one device context.
type Pool struct {
	dev     device.Device
	cfg     Config
	logger  *slog.Logger
	metrics MetricsObserver
	res     *resource.Controller

	nextID atomic.Uint32

	mu        sync.Mutex
	slabs     map[uint32]*slab.Slab
	stages    *stageSet
	releaseQ  []*slab.Slab
	rebufferQ []*slab.Slab
	resetQ    []*resetJob
	retired   []device.VertexArrayID
	claimer   Claimer
	cancel    context.CancelFunc

	ready      chan *slab.Slab
	rebufferCh chan struct{}
	closeCh    chan struct{}
	closed     atomic.Bool
	wg         sync.WaitGroup
}

// New creates a pool for dev. No slab is created until the first frame.
func New(dev device.Device, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		dev:     dev,
		cfg:     cfg,
		logger:  slog.New(slog.DiscardHandler),
		metrics: NoopMetricsObserver{},
		res: resource.NewController(resource.Config{
			MaxSlabs:             int64(cfg.MaxSlabs),
			MaxBackgroundWorkers: 1,
			CopyBytesPerSec:      cfg.DefragBytesPerSec,
		}),
		slabs:      make(map[uint32]*slab.Slab),
		stages:     newStageSet(),
		ready:      make(chan *slab.Slab, cfg.ReadyTarget),
		rebufferCh: make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Device returns the device the pool allocates from.
func (p *Pool) Device() device.Device { return p.dev }

// SlabCapacity returns the capacity of reusable slabs.
func (p *Pool) SlabCapacity() int { return p.cfg.SlabCapacity }

// Start launches the background defragmentation goroutine. Slabs released
// before Start are only reclaimed once they are empty.
func (p *Pool) Start(c Claimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimer != nil || p.closed.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.claimer = c
	p.cancel = cancel
	p.wg.Add(1)
	goSafe(p.logger, func() { p.runDefragLoop(ctx, c) })
}

// GetEmptyMapped returns a mapped, empty slab and moves it to the active
// stage. It waits at most Config.AcquireTimeout and then fails with
// ErrPoolExhausted.
func (p *Pool) GetEmptyMapped(ctx context.Context) (*slab.Slab, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case s := <-p.ready:
		return p.activate(s)
	default:
	}
	if p.cfg.AcquireTimeout == 0 {
		p.metrics.OnAllocationFailure("exhausted")
		return nil, ErrPoolExhausted
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case s := <-p.ready:
		return p.activate(s)
	case <-p.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.metrics.OnAllocationFailure("exhausted")
		return nil, ErrPoolExhausted
	}
}

func (p *Pool) activate(s *slab.Slab) (*slab.Slab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.stages.move(s.ID(), StageReady, StageActive); err != nil {
		return nil, err
	}
	return s, nil
}

// NewOneShot creates an active one-shot slab of exactly capacity bytes. It
// does not count against the slab budget and is disposed once released.
func (p *Pool) NewOneShot(capacity int) (*slab.Slab, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: one-shot capacity %d", ErrInvalidConfig, capacity)
	}
	id := p.nextID.Add(1)
	s := slab.NewOneShot(id, capacity, p)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.stages.move(id, StageNone, StageActive); err != nil {
		return nil, err
	}
	p.slabs[id] = s
	p.metrics.OnSlabCreated(capacity, true)
	return s, nil
}

// ScheduleRelease queues an active slab for reclaim. It never blocks and is
// safe from any goroutine.
func (p *Pool) ScheduleRelease(s *slab.Slab) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return
	}
	if err := p.stages.move(s.ID(), StageActive, StagePendingRelease); err != nil {
		p.logger.Error("schedule release", "slab", s.ID(), "error", err)
		return
	}
	p.releaseQ = append(p.releaseQ, s)
}

// RetireVertexArray queues a vertex array for deletion on the next frame.
func (p *Pool) RetireVertexArray(id device.VertexArrayID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retired = append(p.retired, id)
}

// Frame runs the per-frame maintenance: FlushActive then PrepareEmpties.
// Render goroutine only.
func (p *Pool) Frame(ctx context.Context) error {
	start := time.Now()
	err := p.FlushActive(ctx)
	if err == nil {
		err = p.PrepareEmpties(ctx)
	}
	p.metrics.OnFrame(time.Since(start), err)
	return err
}

// FlushActive uploads the bytes granted on every active slab since the last
// frame. Render goroutine only.
func (p *Pool) FlushActive(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	for _, s := range p.slabsIn(StageActive) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.IsMapped() || s.IsMappedReadOnly() || !s.Dirty() {
			continue
		}
		if err := s.Flush(p.dev); err != nil {
			return err
		}
	}
	return nil
}

// PrepareEmpties drains the release and reset stages and tops the ready
// stage up to Config.ReadyTarget. A mapping failure aborts the frame and is
// returned as *device.MapError; work already done stays done.
// Render goroutine only.
func (p *Pool) PrepareEmpties(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.deleteRetired()
	if err := p.drainRelease(ctx); err != nil {
		return err
	}
	if err := p.drainReset(ctx); err != nil {
		return err
	}
	return p.topUp(ctx)
}

func (p *Pool) drainRelease(ctx context.Context) error {
	p.mu.Lock()
	queue := p.releaseQ
	p.releaseQ = nil
	claimer := p.claimer
	p.mu.Unlock()

	p.metrics.OnQueueDepth("release", len(queue))

	var requeue []*slab.Slab
	defer func() {
		if len(requeue) > 0 {
			p.mu.Lock()
			p.releaseQ = append(requeue, p.releaseQ...)
			p.mu.Unlock()
		}
	}()

	for i, s := range queue {
		if err := ctx.Err(); err != nil {
			requeue = append(requeue, queue[i:]...)
			return err
		}
		switch {
		case s.IsDisposed():
			p.forget(s)
		case s.Kind() == slab.OneShot:
			if s.RetainedBytes() != 0 {
				requeue = append(requeue, s)
				continue
			}
			if err := p.dispose(s); err != nil {
				p.logger.Warn("dispose one-shot slab", "slab", s.ID(), "error", err)
			}
		case s.RetainedBytes() == 0:
			// A final slab never gains bytes, so an empty snapshot stays empty.
			p.mu.Lock()
			err := p.stages.move(s.ID(), StagePendingRelease, StagePendingReset)
			if err == nil {
				p.resetQ = append(p.resetQ, &resetJob{slab: s})
			}
			p.mu.Unlock()
			if err != nil {
				p.logger.Error("queue reset", "slab", s.ID(), "error", err)
			}
		case claimer == nil:
			requeue = append(requeue, s)
		default:
			if err := s.MapReadOnly(p.dev); err != nil {
				requeue = append(requeue, queue[i:]...)
				return err
			}
			p.mu.Lock()
			err := p.stages.move(s.ID(), StagePendingRelease, StagePendingRebuffer)
			if err == nil {
				p.rebufferQ = append(p.rebufferQ, s)
			}
			p.mu.Unlock()
			if err != nil {
				p.logger.Error("queue rebuffer", "slab", s.ID(), "error", err)
				continue
			}
			p.signalRebuffer()
		}
	}
	return nil
}

func (p *Pool) drainReset(ctx context.Context) error {
	p.mu.Lock()
	jobs := p.resetQ
	p.resetQ = nil
	p.mu.Unlock()

	p.metrics.OnQueueDepth("reset", len(jobs))

	var requeue []*resetJob
	defer func() {
		if len(requeue) > 0 {
			p.mu.Lock()
			p.resetQ = append(requeue, p.resetQ...)
			p.mu.Unlock()
		}
	}()

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			requeue = append(requeue, jobs[i:]...)
			return err
		}
		p.applySwaps(job)

		s := job.slab
		if s.IsDisposed() {
			p.forget(s)
			continue
		}
		if s.RetainedBytes() != 0 || s.RetainerCount() != 0 {
			// Handles wrapped after the copy snapshot keep the slab alive;
			// it takes another pass through release.
			p.mu.Lock()
			err := p.stages.move(s.ID(), StagePendingReset, StagePendingRelease)
			if err == nil {
				p.releaseQ = append(p.releaseQ, s)
			}
			p.mu.Unlock()
			if err != nil {
				p.logger.Error("requeue release", "slab", s.ID(), "error", err)
			}
			continue
		}
		if err := s.Reset(p.dev); err != nil {
			requeue = append(requeue, jobs[i:]...)
			return err
		}
		p.mu.Lock()
		err := p.stages.move(s.ID(), StagePendingReset, StageIdle)
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("reset slab", "slab", s.ID(), "error", err)
			continue
		}
		p.metrics.OnSlabReset(s.ID())
	}
	return nil
}

// applySwaps installs finished copies. A handle released in the meantime
// gives its replacement back.
func (p *Pool) applySwaps(job *resetJob) {
	for _, sw := range job.swaps {
		ok, err := sw.handle.ReplaceAllocation(p.dev, sw.alloc)
		if !ok {
			sw.alloc.Discard()
		}
		if err != nil {
			p.logger.Warn("replace allocation", "slab", job.slab.ID(), "handle", sw.handle, "error", err)
		}
	}
	job.swaps = nil
}

func (p *Pool) topUp(ctx context.Context) error {
	for want := cap(p.ready) - len(p.ready); want > 0; want-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := p.nextEmpty()
		if err != nil {
			if errors.Is(err, resource.ErrSlabLimitExceeded) {
				p.metrics.OnAllocationFailure("slab_limit")
				return nil
			}
			return err
		}
		if err := s.Map(p.dev, device.MapWrite); err != nil {
			return err
		}
		p.mu.Lock()
		err = p.stages.move(s.ID(), StageIdle, StageReady)
		p.mu.Unlock()
		if err != nil {
			return err
		}
		p.ready <- s
	}
	return nil
}

// nextEmpty returns the lowest idle slab or creates a new one within budget.
func (p *Pool) nextEmpty() (*slab.Slab, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.stages.first(StageIdle); ok {
		return p.slabs[id], nil
	}
	if err := p.res.AcquireSlab(); err != nil {
		return nil, err
	}
	id := p.nextID.Add(1)
	s := slab.New(id, p.cfg.SlabCapacity, p)
	if err := p.stages.move(id, StageNone, StageIdle); err != nil {
		p.res.ReleaseSlab()
		return nil, err
	}
	p.slabs[id] = s
	p.metrics.OnSlabCreated(p.cfg.SlabCapacity, false)
	return s, nil
}

func (p *Pool) deleteRetired() {
	p.mu.Lock()
	retired := p.retired
	p.retired = nil
	p.mu.Unlock()

	for _, id := range retired {
		if err := p.dev.DeleteVertexArray(id); err != nil && !errors.Is(err, device.ErrUnknownVertexArray) {
			p.logger.Warn("delete vertex array", "vertex_array", id, "error", err)
		}
	}
}

// dispose destroys s and forgets it.
func (p *Pool) dispose(s *slab.Slab) error {
	err := s.Dispose(p.dev)
	p.forget(s)
	return err
}

func (p *Pool) forget(s *slab.Slab) {
	p.mu.Lock()
	_, known := p.slabs[s.ID()]
	delete(p.slabs, s.ID())
	p.stages.remove(s.ID())
	p.mu.Unlock()

	if !known {
		return
	}
	if s.Kind() == slab.Reusable {
		p.res.ReleaseSlab()
	}
	p.metrics.OnSlabDisposed(s.ID())
}

func (p *Pool) slabsIn(st Stage) []*slab.Slab {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.stages.ids(st)
	out := make([]*slab.Slab, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.slabs[id])
	}
	return out
}

// StageOf returns the stage of the slab with the given id.
func (p *Pool) StageOf(id uint32) Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages.stageOf(id)
}

// Close stops the background goroutine and disposes every slab. Handles still
// alive draw nothing afterwards. Render goroutine only.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(p.closeCh)

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	// Slabs are disposed even if the worker has not joined yet; Dispose waits
	// for its copies and later ones fail.
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("pool: background worker did not stop: %w", ctx.Err()))
	}

drain:
	for {
		select {
		case <-p.ready:
		default:
			break drain
		}
	}

	p.mu.Lock()
	jobs := p.resetQ
	p.resetQ, p.releaseQ, p.rebufferQ = nil, nil, nil
	all := make([]*slab.Slab, 0, len(p.slabs))
	for _, s := range p.slabs {
		all = append(all, s)
	}
	p.mu.Unlock()

	for _, job := range jobs {
		for _, sw := range job.swaps {
			sw.alloc.Discard()
		}
	}
	p.deleteRetired()

	for _, s := range all {
		if err := p.dispose(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is a snapshot of the pool.
type Stats struct {
	Idle            int
	Ready           int
	Active          int
	PendingRelease  int
	PendingRebuffer int
	PendingReset    int

	Slabs         int
	SlabLimit     int
	CapacityBytes int64
	RetainedBytes int64
}

// Stats returns per-stage slab counts and byte totals.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Idle:            p.stages.count(StageIdle),
		Ready:           p.stages.count(StageReady),
		Active:          p.stages.count(StageActive),
		PendingRelease:  p.stages.count(StagePendingRelease),
		PendingRebuffer: p.stages.count(StagePendingRebuffer),
		PendingReset:    p.stages.count(StagePendingReset),
		Slabs:           len(p.slabs),
		SlabLimit:       p.cfg.MaxSlabs,
	}
	for _, s := range p.slabs {
		st.CapacityBytes += int64(s.Capacity())
		st.RetainedBytes += int64(s.RetainedBytes())
	}
	return st
}
