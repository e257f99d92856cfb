package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/meshpool"
	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/device/softgpu"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/observability/prom"
	"github.com/hupe1980/meshpool/pack"
)

var (
	runDuration    time.Duration
	runFPS         int
	runWorkers     int
	runResident    int
	runMaxVertices int
	runLoseEvery   int
	runOneShot     bool
	runMetricsAddr string

	runSlabCapacity int
	runReadyTarget  int
	runMaxSlabs     int
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().DurationVarP(&runDuration, "duration", "d", 10*time.Second, "How long to run")
	cmd.Flags().IntVar(&runFPS, "fps", 60, "Frames per second of the render loop")
	cmd.Flags().IntVarP(&runWorkers, "workers", "w", 4, "Concurrent packing workers")
	cmd.Flags().IntVar(&runResident, "resident", 256, "Chunks kept drawable before the oldest is released")
	cmd.Flags().IntVar(&runMaxVertices, "max-vertices", 4096, "Upper bound of vertices per chunk")
	cmd.Flags().IntVar(&runLoseEvery, "lose-every", 0, "Simulate device loss every N frames (0 = never)")
	cmd.Flags().BoolVar(&runOneShot, "one-shot", false, "Run on a device without persistent mapping")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&runSlabCapacity, "slab-capacity", 0, "Override slab capacity in bytes")
	cmd.Flags().IntVar(&runReadyTarget, "ready-target", 0, "Override ready slab target")
	cmd.Flags().IntVar(&runMaxSlabs, "max-slabs", 0, "Override reusable slab limit")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Pack, draw and release synthetic chunks",
		Long: `The run command packs random chunk meshes on a worker pool while the
render loop advances the pool once per frame, draws every resident chunk and
releases the oldest ones.

Example:
  meshstress run --duration 30s --workers 8
  meshstress run --one-shot --json
  meshstress run --config pool.toml --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd)
		},
	}
}

// chunk is one packed mesh on its way to or resident in the render loop.
type chunk struct {
	handles *pack.HandleList
	bytes   int
}

type summary struct {
	Duration      string                     `json:"duration"`
	Frames        int                        `json:"frames"`
	FrameErrors   int                        `json:"frame_errors"`
	ChunksPacked  int64                      `json:"chunks_packed"`
	ChunksSkipped int64                      `json:"chunks_skipped"`
	BytesPacked   int64                      `json:"bytes_packed"`
	Rebuilds      int                        `json:"rebuilds"`
	Manager       meshpool.Stats             `json:"manager"`
	Metrics       meshpool.BasicMetricsStats `json:"metrics"`
	Device        softgpu.Stats              `json:"device"`
}

func runStress(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("slab-capacity") {
		cfg.SlabCapacity = runSlabCapacity
	}
	if flags.Changed("ready-target") {
		cfg.ReadyTarget = runReadyTarget
	}
	if flags.Changed("max-slabs") {
		cfg.MaxSlabs = runMaxSlabs
	}
	if runWorkers < 1 || runFPS < 1 || runMaxVertices < 1 {
		return errors.New("workers, fps and max-vertices must be positive")
	}

	logger := newLogger()
	collector := &meshpool.BasicMetricsCollector{}
	observers := teeObserver{collector}

	var reg *prometheus.Registry
	if runMetricsAddr != "" {
		reg = prometheus.NewRegistry()
		obs, err := prom.NewObserver("meshpool", reg)
		if err != nil {
			return err
		}
		observers = append(observers, obs)
	}

	newDevice := func() *softgpu.Device {
		return softgpu.New(softgpu.WithCapabilities(device.Capabilities{PersistentMapping: !runOneShot}))
	}
	dev := newDevice()

	m, err := meshpool.Open(dev,
		meshpool.WithConfig(cfg),
		meshpool.WithLogger(logger),
		meshpool.WithMetricsObserver(observers),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runDuration)
	defer cancel()

	s := &stress{
		m:       m,
		logger:  logger,
		packed:  make(chan chunk, runWorkers*2),
		started: time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.produce(gctx) })
	g.Go(func() error { return s.render(gctx, newDevice) })
	if reg != nil {
		srv := &http.Server{
			Addr:              runMetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	runErr := g.Wait()
	for len(s.packed) > 0 {
		c := <-s.packed
		_ = c.handles.ReleaseAll()
		pack.ReleaseHandleList(c.handles)
	}

	sum := summary{
		Duration:      time.Since(s.started).Round(time.Millisecond).String(),
		Frames:        s.frames,
		FrameErrors:   s.frameErrors,
		ChunksPacked:  s.chunks.Load(),
		ChunksSkipped: s.skipped.Load(),
		BytesPacked:   s.bytes.Load(),
		Rebuilds:      s.rebuilds,
		Manager:       m.Stats(),
		Device:        s.device().Stats(),
	}

	if err := m.Close(context.Background()); err != nil {
		logger.Warn("close manager", "error", err)
	}
	_ = s.device().Close()
	sum.Metrics = collector.GetStats()

	if runErr != nil && !errors.Is(runErr, context.DeadlineExceeded) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if jsonOut {
		return printJSON(sum)
	}
	printSummary(sum)
	return nil
}

// stress couples the packing workers and the render loop.
type stress struct {
	m       *meshpool.Manager
	logger  *meshpool.Logger
	packed  chan chunk
	started time.Time

	chunks  atomic.Int64
	skipped atomic.Int64
	bytes   atomic.Int64

	// render goroutine only
	frames      int
	frameErrors int
	rebuilds    int
}

func (s *stress) device() *softgpu.Device {
	return s.m.Device().(*softgpu.Device)
}

// produce keeps the worker pool busy packing chunks until ctx is done.
func (s *stress) produce(ctx context.Context) error {
	workers, err := ants.NewPool(runWorkers, ants.WithPanicHandler(func(v any) {
		s.logger.Error("packing worker panicked", "panic", v)
	}))
	if err != nil {
		return err
	}
	defer func() { _ = workers.ReleaseTimeout(5 * time.Second) }()

	packer := s.m.NewPacker()
	var seq atomic.Uint64

	for ctx.Err() == nil {
		err := workers.Submit(func() {
			c, err := s.packChunk(ctx, packer, seq.Add(1))
			if err != nil {
				if !meshpool.IsRecoverable(err) && ctx.Err() == nil {
					s.logger.Warn("pack chunk", "error", err)
				}
				return
			}
			select {
			case s.packed <- c:
			case <-ctx.Done():
				_ = c.handles.ReleaseAll()
				pack.ReleaseHandleList(c.handles)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *stress) packChunk(ctx context.Context, packer *pack.Packer, seed uint64) (chunk, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	// Opaque terrain plus a smaller layer of decorations.
	terrain := 1 + rng.IntN(runMaxVertices)
	decor := rng.IntN(runMaxVertices/4 + 1)

	wpvT := format.Terrain.WordsPerVertex()
	wpvD := format.PositionColor.WordsPerVertex()
	words := make([]uint32, terrain*wpvT+decor*wpvD)
	for i := range words {
		words[i] = rng.Uint32()
	}

	list := pack.NewPackingList(2)
	if err := list.AddPacking(format.Terrain, 0, terrain); err != nil {
		return chunk{}, err
	}
	if decor > 0 {
		// Decorations follow the terrain words, addressed in their own stride.
		if err := list.AddPacking(format.PositionColor, terrain*wpvT/wpvD, decor); err != nil {
			return chunk{}, err
		}
	}

	out := pack.AcquireHandleList()
	res, err := packer.Pack(ctx, list, words, out)
	if err != nil {
		_ = out.ReleaseAll()
		pack.ReleaseHandleList(out)
		return chunk{}, err
	}
	if res.Skipped > 0 {
		s.skipped.Add(1)
	}
	s.chunks.Add(1)
	s.bytes.Add(int64(res.Bytes))
	return chunk{handles: out, bytes: res.Bytes}, nil
}

// render runs the frame loop: pool maintenance, draw every resident chunk,
// release the oldest beyond the resident limit.
func (s *stress) render(ctx context.Context, newDevice func() *softgpu.Device) error {
	ticker := time.NewTicker(time.Second / time.Duration(runFPS))
	defer ticker.Stop()

	var resident []chunk
	defer func() {
		for _, c := range resident {
			_ = c.handles.ReleaseAll()
			pack.ReleaseHandleList(c.handles)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.m.Frame(ctx); err != nil {
			s.frameErrors++
			if !meshpool.IsDeviceLost(err) {
				s.logger.Warn("frame", "error", err)
				continue
			}
			if err := s.m.Rebuild(ctx, newDevice()); err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			s.rebuilds++
		}
		s.frames++

		if runLoseEvery > 0 && s.frames%runLoseEvery == 0 {
			s.device().Lose()
		}

	drain:
		for {
			select {
			case c := <-s.packed:
				resident = append(resident, c)
			default:
				break drain
			}
		}

		dev := s.m.Device()
		var bound device.VertexArrayID
		for _, c := range resident {
			for _, h := range c.handles.Handles() {
				if err := h.Flush(dev); err != nil {
					continue
				}
				var err error
				if bound, err = h.Bind(dev, bound); err != nil {
					continue
				}
				_ = h.Draw(dev)
			}
		}

		for len(resident) > runResident {
			_ = resident[0].handles.ReleaseAll()
			pack.ReleaseHandleList(resident[0].handles)
			resident = resident[1:]
		}
	}
}

func printSummary(s summary) {
	fmt.Printf("meshstress %s\n", s.Duration)
	fmt.Printf("  router:          %s (generation %d, %d rebuilds)\n", s.Manager.Router, s.Manager.Generation, s.Rebuilds)
	fmt.Printf("  frames:          %d (%d errors, avg %s)\n", s.Frames, s.FrameErrors, time.Duration(s.Metrics.FrameAvgNanos))
	fmt.Printf("  chunks packed:   %d (%d partial)\n", s.ChunksPacked, s.ChunksSkipped)
	fmt.Printf("  bytes packed:    %d\n", s.BytesPacked)
	fmt.Printf("  slabs:           %d created, %d one-shot, %d reset, %d disposed\n",
		s.Metrics.SlabsCreated, s.Metrics.OneShotsCreated, s.Metrics.SlabsReset, s.Metrics.SlabsDisposed)
	fmt.Printf("  defrag:          %d passes, %d handles, %d bytes\n",
		s.Metrics.DefragCount, s.Metrics.DefragHandles, s.Metrics.DefragBytes)
	fmt.Printf("  alloc failures:  %d\n", s.Metrics.AllocationFailures)
	p := s.Manager.Pool
	fmt.Printf("  stages:          idle=%d ready=%d active=%d release=%d rebuffer=%d reset=%d\n",
		p.Idle, p.Ready, p.Active, p.PendingRelease, p.PendingRebuffer, p.PendingReset)
	fmt.Printf("  device:          %d buffers live, %d draws, %d bytes flushed\n",
		s.Device.LiveBuffers, s.Device.Draws, s.Device.BytesFlushed)
}
