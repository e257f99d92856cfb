package pool

import (
	"fmt"
	"time"
)

// Config holds pool parameters.
type Config struct {
	// SlabCapacity is the size of every reusable slab in bytes.
	SlabCapacity int

	// ReadyTarget is the number of mapped, empty slabs kept ready for workers.
	ReadyTarget int

	// MaxSlabs bounds the number of reusable slabs alive at once. 0 means unbounded.
	MaxSlabs int

	// AcquireTimeout bounds GetEmptyMapped. 0 means do not wait.
	AcquireTimeout time.Duration

	// DefragBytesPerSec limits background copy throughput. 0 means unlimited.
	DefragBytesPerSec int64
}

// DefaultConfig returns the defaults used by the renderer.
func DefaultConfig() Config {
	return Config{
		SlabCapacity:   4 << 20,
		ReadyTarget:    4,
		MaxSlabs:       256,
		AcquireTimeout: 50 * time.Millisecond,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.SlabCapacity <= 0 {
		return fmt.Errorf("%w: slab capacity must be positive, got %d", ErrInvalidConfig, c.SlabCapacity)
	}
	if c.ReadyTarget < 1 {
		return fmt.Errorf("%w: ready target must be at least 1, got %d", ErrInvalidConfig, c.ReadyTarget)
	}
	if c.MaxSlabs < 0 {
		return fmt.Errorf("%w: max slabs must not be negative, got %d", ErrInvalidConfig, c.MaxSlabs)
	}
	if c.MaxSlabs > 0 && c.ReadyTarget > c.MaxSlabs {
		return fmt.Errorf("%w: ready target %d exceeds max slabs %d", ErrInvalidConfig, c.ReadyTarget, c.MaxSlabs)
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("%w: acquire timeout must not be negative", ErrInvalidConfig)
	}
	if c.DefragBytesPerSec < 0 {
		return fmt.Errorf("%w: defrag throughput must not be negative", ErrInvalidConfig)
	}
	return nil
}
