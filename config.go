package meshpool

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hupe1980/meshpool/pool"
	"github.com/hupe1980/meshpool/router"
)

// Config holds the tunables of a Manager. It can be loaded from TOML:
//
//	slab_capacity = 4194304
//	ready_target = 4
//	max_slabs = 256
//	acquire_timeout = "50ms"
//	min_remaining_bytes = 256
//	defrag_bytes_per_sec = 0
//	force_one_shot = false
type Config struct {
	// SlabCapacity is the size of every reusable slab in bytes.
	SlabCapacity int `toml:"slab_capacity"`

	// ReadyTarget is the number of empty mapped slabs kept ready per frame.
	ReadyTarget int `toml:"ready_target"`

	// MaxSlabs bounds the reusable slabs alive at once. 0 means unbounded.
	MaxSlabs int `toml:"max_slabs"`

	// AcquireTimeout bounds how long a worker waits for a ready slab.
	AcquireTimeout time.Duration `toml:"acquire_timeout"`

	// MinRemainingBytes is the free tail below which a slab is finalized.
	MinRemainingBytes int `toml:"min_remaining_bytes"`

	// DefragBytesPerSec limits background copy throughput. 0 means unlimited.
	DefragBytesPerSec int64 `toml:"defrag_bytes_per_sec"`

	// ForceOneShot uses one upload buffer per request even on devices that
	// support persistent mappings.
	ForceOneShot bool `toml:"force_one_shot"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	pc := pool.DefaultConfig()
	return Config{
		SlabCapacity:      pc.SlabCapacity,
		ReadyTarget:       pc.ReadyTarget,
		MaxSlabs:          pc.MaxSlabs,
		AcquireTimeout:    pc.AcquireTimeout,
		MinRemainingBytes: router.DefaultMinRemainingBytes,
		DefragBytesPerSec: pc.DefragBytesPerSec,
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if err := c.poolConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MinRemainingBytes < 0 {
		return fmt.Errorf("%w: min remaining bytes must not be negative", ErrInvalidConfig)
	}
	if c.MinRemainingBytes > c.SlabCapacity {
		return fmt.Errorf("%w: min remaining bytes %d exceeds slab capacity %d", ErrInvalidConfig, c.MinRemainingBytes, c.SlabCapacity)
	}
	return nil
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		SlabCapacity:      c.SlabCapacity,
		ReadyTarget:       c.ReadyTarget,
		MaxSlabs:          c.MaxSlabs,
		AcquireTimeout:    c.AcquireTimeout,
		DefragBytesPerSec: c.DefragBytesPerSec,
	}
}
