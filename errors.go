package meshpool

import (
	"errors"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/pool"
	"github.com/hupe1980/meshpool/slab"
)

var (
	// ErrPoolExhausted is returned when no slab became ready in time.
	ErrPoolExhausted = pool.ErrPoolExhausted

	// ErrClosed is returned after Close.
	ErrClosed = pool.ErrClosed

	// ErrInvalidConfig is returned for configurations that fail validation.
	ErrInvalidConfig = errors.New("meshpool: invalid config")
)

// IsRecoverable reports whether err only costs the current request. Packing
// and drawing can continue; the work that failed can be retried on a later
// frame.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, slab.ErrReadOnly) ||
		errors.Is(err, slab.ErrDisposed) ||
		errors.Is(err, slab.ErrReleased)
}

// IsDeviceLost reports whether err means the device context is gone and the
// manager has to be rebuilt.
func IsDeviceLost(err error) bool {
	return errors.Is(err, device.ErrLost)
}
