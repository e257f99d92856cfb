package meshpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/pack"
	"github.com/hupe1980/meshpool/pool"
	"github.com/hupe1980/meshpool/router"
	"github.com/hupe1980/meshpool/slab"
)

// Compile time check to ensure Manager can be used as a router.
var _ router.Router = (*Manager)(nil)

// generation is the pool context built for one device.
type generation struct {
	id     uint64
	dev    device.Device
	pool   *pool.Pool
	router router.Router
}

// Manager is the pool context of a renderer: one pool and one routing
// strategy per device. It is built at renderer init and rebuilt when the
// device is replaced.
type Manager struct {
	cfg     Config
	logger  *Logger
	metrics pool.MetricsObserver

	gen    atomic.Pointer[generation]
	closed atomic.Bool
}

// Open creates a Manager for dev.
func Open(dev device.Device, opts ...Option) (*Manager, error) {
	o := options{
		config:  DefaultConfig(),
		logger:  NoopLogger(),
		metrics: pool.NoopMetricsObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidConfig)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.metrics == nil {
		o.metrics = pool.NoopMetricsObserver{}
	}

	m := &Manager{
		cfg:     o.config,
		logger:  o.logger,
		metrics: o.metrics,
	}
	g, err := m.newGeneration(dev, 1)
	if err != nil {
		return nil, err
	}
	m.gen.Store(g)
	return m, nil
}

func (m *Manager) newGeneration(dev device.Device, id uint64) (*generation, error) {
	logger := m.logger.WithGeneration(id)
	p, err := pool.New(dev, m.cfg.poolConfig(),
		pool.WithLogger(logger.Logger),
		pool.WithMetricsObserver(&loggingObserver{next: m.metrics, logger: logger}),
	)
	if err != nil {
		return nil, err
	}

	var r router.Router
	if m.cfg.ForceOneShot {
		r = router.NewOneShot(p)
	} else {
		r = router.Select(dev.Capabilities(), p, router.WithMinRemainingBytes(m.cfg.MinRemainingBytes))
	}
	// One-shot buffers are never defragmented.
	if reusable, ok := r.(*router.Reusable); ok {
		p.Start(reusable)
	}

	logger.Info("pool ready", "router", routerName(r), "slab_capacity", m.cfg.SlabCapacity)
	return &generation{id: id, dev: dev, pool: p, router: r}, nil
}

// Claim implements router.Router with the strategy of the current device.
func (m *Manager) Claim(ctx context.Context, f *format.Format, byteCount int, onRegion func(slab.Allocation) error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.gen.Load().router.Claim(ctx, f, byteCount, onRegion)
}

// NewPacker returns a packer that claims through the Manager, so it keeps
// working across Rebuild.
func (m *Manager) NewPacker(opts ...pack.Option) *pack.Packer {
	opts = append([]pack.Option{pack.WithLogger(m.logger.Logger)}, opts...)
	return pack.NewPacker(m, opts...)
}

// Frame runs one frame of pool maintenance. Render goroutine only.
func (m *Manager) Frame(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.gen.Load().pool.Frame(ctx)
}

// Device returns the current device.
func (m *Manager) Device() device.Device { return m.gen.Load().dev }

// Pool returns the pool of the current device.
func (m *Manager) Pool() *pool.Pool { return m.gen.Load().pool }

// Router returns the routing strategy selected for the current device.
func (m *Manager) Router() router.Router { return m.gen.Load().router }

// Generation counts the devices this Manager has been built for.
func (m *Manager) Generation() uint64 { return m.gen.Load().id }

// Rebuild disposes every slab of the current device and starts over on dev.
// Handles into the old slabs draw nothing from now on. Render goroutine only.
func (m *Manager) Rebuild(ctx context.Context, dev device.Device) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if dev == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidConfig)
	}
	old := m.gen.Load()

	// The old device may already be gone; failing to free its buffers must
	// not keep the renderer from coming back.
	if err := old.pool.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.WarnContext(ctx, "dispose old device context", "generation", old.id, "error", err)
	}

	g, err := m.newGeneration(dev, old.id+1)
	m.logger.LogRebuild(ctx, old.id+1, err)
	if err != nil {
		return err
	}
	m.gen.Store(g)
	return nil
}

// Close stops background work and disposes every slab. Render goroutine only.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return m.gen.Load().pool.Close(ctx)
}

// Stats is a snapshot of the Manager.
type Stats struct {
	Generation   uint64
	Router       string
	Capabilities device.Capabilities
	Pool         pool.Stats
}

// Stats returns a snapshot of the current pool context.
func (m *Manager) Stats() Stats {
	g := m.gen.Load()
	return Stats{
		Generation:   g.id,
		Router:       routerName(g.router),
		Capabilities: g.dev.Capabilities(),
		Pool:         g.pool.Stats(),
	}
}

func routerName(r router.Router) string {
	switch r.(type) {
	case *router.Reusable:
		return "reusable"
	case *router.OneShot:
		return "one-shot"
	default:
		return fmt.Sprintf("%T", r)
	}
}

// loggingObserver logs pool events and forwards them.
type loggingObserver struct {
	next   pool.MetricsObserver
	logger *Logger
}

func (o *loggingObserver) OnFrame(duration time.Duration, err error) {
	o.logger.LogFrame(context.Background(), duration, err)
	o.next.OnFrame(duration, err)
}

func (o *loggingObserver) OnSlabCreated(capacity int, oneShot bool) {
	o.next.OnSlabCreated(capacity, oneShot)
}

func (o *loggingObserver) OnSlabReset(id uint32) {
	o.next.OnSlabReset(id)
}

func (o *loggingObserver) OnSlabDisposed(id uint32) {
	o.next.OnSlabDisposed(id)
}

func (o *loggingObserver) OnDefrag(duration time.Duration, handles int, bytes int64, err error) {
	o.logger.LogDefrag(context.Background(), handles, bytes, duration, err)
	o.next.OnDefrag(duration, handles, bytes, err)
}

func (o *loggingObserver) OnQueueDepth(name string, depth int) {
	o.next.OnQueueDepth(name, depth)
}

func (o *loggingObserver) OnAllocationFailure(reason string) {
	o.logger.LogAllocationFailure(context.Background(), reason)
	o.next.OnAllocationFailure(reason)
}
