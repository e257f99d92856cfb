package meshpool

import (
	"time"

	"github.com/hupe1980/meshpool/pool"
)

type options struct {
	config  Config
	logger  *Logger
	metrics pool.MetricsObserver
}

// Option configures Open.
type Option func(*options)

// WithConfig replaces the whole configuration. Options applied after it
// still override single fields.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the logger.
//
// If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsObserver sets the observer that receives pool events, for
// example a BasicMetricsCollector or a prom.Observer.
func WithMetricsObserver(m pool.MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSlabCapacity sets the size of reusable slabs in bytes.
func WithSlabCapacity(n int) Option {
	return func(o *options) {
		o.config.SlabCapacity = n
	}
}

// WithMaxSlabs bounds the number of reusable slabs. 0 means unbounded.
func WithMaxSlabs(n int) Option {
	return func(o *options) {
		o.config.MaxSlabs = n
	}
}

// WithReadyTarget sets how many empty slabs are kept mapped for workers.
func WithReadyTarget(n int) Option {
	return func(o *options) {
		o.config.ReadyTarget = n
	}
}

// WithAcquireTimeout bounds how long workers wait for a ready slab.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) {
		o.config.AcquireTimeout = d
	}
}

// WithMinRemainingBytes sets the free tail below which slabs are finalized.
func WithMinRemainingBytes(n int) Option {
	return func(o *options) {
		o.config.MinRemainingBytes = n
	}
}

// WithDefragBytesPerSec limits background copy throughput.
func WithDefragBytesPerSec(n int64) Option {
	return func(o *options) {
		o.config.DefragBytesPerSec = n
	}
}

// WithOneShot routes every request to its own upload buffer.
func WithOneShot() Option {
	return func(o *options) {
		o.config.ForceOneShot = true
	}
}
