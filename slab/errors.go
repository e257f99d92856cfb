package slab

import "errors"

var (
	// ErrDisposed is returned when operating on a slab whose device buffer was destroyed.
	ErrDisposed = errors.New("slab: disposed")
	// ErrFinal is returned when writing through a slab that no longer accepts requests.
	ErrFinal = errors.New("slab: final")
	// ErrNotMapped is returned when flushing or writing an unmapped slab.
	ErrNotMapped = errors.New("slab: not mapped")
	// ErrReadOnly is returned when writing to a slab mapped for reading.
	ErrReadOnly = errors.New("slab: mapped read-only")
	// ErrDoubleRelease is returned when a handle is released from a slab that does not retain it.
	ErrDoubleRelease = errors.New("slab: handle released twice")
	// ErrSlabBusy is returned by Reset while bytes or retainers remain.
	ErrSlabBusy = errors.New("slab: still retained")
	// ErrOutOfRange is returned for writes outside an allocation.
	ErrOutOfRange = errors.New("slab: out of range")
	// ErrReleased is returned when using a released draw handle.
	ErrReleased = errors.New("slab: draw handle released")
	// ErrStrideMismatch is returned when an allocation is not a whole number of vertices.
	ErrStrideMismatch = errors.New("slab: allocation is not a multiple of the stride")
)
