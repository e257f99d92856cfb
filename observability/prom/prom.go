// Package prom exports pool metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/meshpool/pool"
)

// Compile time check to ensure Observer satisfies the observer interface.
var _ pool.MetricsObserver = (*Observer)(nil)

// Observer implements pool.MetricsObserver on top of Prometheus collectors.
type Observer struct {
	frameLatency  *prometheus.HistogramVec
	defragLatency *prometheus.HistogramVec
	defragBytes   prometheus.Counter
	defragHandles prometheus.Counter
	slabsCreated  *prometheus.CounterVec
	slabsReset    prometheus.Counter
	slabsDisposed prometheus.Counter
	allocFailures *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewObserver creates an Observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_duration_seconds",
			Help:      "Duration of per-frame pool maintenance",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"status"}),
		defragLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "defrag_duration_seconds",
			Help:      "Duration of background slab defragmentation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		defragBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defrag_bytes_total",
			Help:      "Bytes copied out of half-empty slabs",
		}),
		defragHandles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defrag_handles_total",
			Help:      "Draw handles moved to fresh slabs",
		}),
		slabsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slabs_created_total",
			Help:      "Slabs created",
		}, []string{"kind"}),
		slabsReset: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slabs_reset_total",
			Help:      "Slabs reset for reuse",
		}),
		slabsDisposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slabs_disposed_total",
			Help:      "Slabs whose device buffers were destroyed",
		}),
		allocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Requests the pool could not serve",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Depth of the pool's pending queues",
		}, []string{"queue"}),
	}

	for _, c := range []prometheus.Collector{
		o.frameLatency,
		o.defragLatency,
		o.defragBytes,
		o.defragHandles,
		o.slabsCreated,
		o.slabsReset,
		o.slabsDisposed,
		o.allocFailures,
		o.queueDepth,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (o *Observer) OnFrame(d time.Duration, err error) {
	o.frameLatency.WithLabelValues(status(err)).Observe(d.Seconds())
}

func (o *Observer) OnSlabCreated(_ int, oneShot bool) {
	kind := "reusable"
	if oneShot {
		kind = "oneshot"
	}
	o.slabsCreated.WithLabelValues(kind).Inc()
}

func (o *Observer) OnSlabReset(uint32) { o.slabsReset.Inc() }

func (o *Observer) OnSlabDisposed(uint32) { o.slabsDisposed.Inc() }

func (o *Observer) OnDefrag(d time.Duration, handles int, bytes int64, err error) {
	o.defragLatency.WithLabelValues(status(err)).Observe(d.Seconds())
	o.defragHandles.Add(float64(handles))
	o.defragBytes.Add(float64(bytes))
}

func (o *Observer) OnQueueDepth(name string, depth int) {
	o.queueDepth.WithLabelValues(name).Set(float64(depth))
}

func (o *Observer) OnAllocationFailure(reason string) {
	o.allocFailures.WithLabelValues(reason).Inc()
}
