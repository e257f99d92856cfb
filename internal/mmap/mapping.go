package mmap

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrClosed is returned when using a mapping after Close.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned when the requested size is not positive.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrOutOfBounds is returned for ranges outside the mapping.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
)

// Mapping is a zero-filled anonymous read-write mapping.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// MapAnon maps size bytes of anonymous memory.
func MapAnon(size int) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	data, unmap, err := osMapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.unmap(m.data)
}

// Closed reports whether Close has been called.
func (m *Mapping) Closed() bool { return m.closed.Load() }

// Size returns the length of the mapping in bytes.
func (m *Mapping) Size() int { return len(m.data) }

// Bytes returns the whole mapping, or nil once closed. The slice must not be
// used after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Range returns the n bytes starting at off, capped so appends cannot spill
// into the rest of the mapping.
func (m *Mapping) Range(off, n int) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off > len(m.data)-n {
		return nil, fmt.Errorf("%w: [%d, %d) of %d bytes", ErrOutOfBounds, off, off+n, len(m.data))
	}
	return m.data[off : off+n : off+n], nil
}

// Discard zeroes the mapping and lets the kernel drop its pages until they
// are touched again. This is what orphaning a buffer costs on the host.
func (m *Mapping) Discard() error {
	if m.closed.Load() {
		return ErrClosed
	}
	clear(m.data)
	return osDiscard(m.data)
}
