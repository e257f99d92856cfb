package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no mapped slab became available within
	// the acquire timeout. It is backpressure: the caller should skip the work.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool: closed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("pool: invalid config")
)

// StageError reports a slab found outside the stage a transition expected.
type StageError struct {
	Slab     uint32
	Expected Stage
	Actual   Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pool: slab %d in stage %s, expected %s", e.Slab, e.Actual, e.Expected)
}

// Is reports ErrStageViolation for any StageError.
func (e *StageError) Is(target error) bool { return target == ErrStageViolation }

// ErrStageViolation matches every StageError.
var ErrStageViolation = errors.New("pool: stage violation")
