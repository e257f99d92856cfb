package slab

import (
	"fmt"
	"sync"

	"github.com/hupe1980/meshpool/device"
)

// Allocation is the byte range [Offset, Offset+Count) of one slab. It is an
// immutable value; defragmentation replaces allocations wholesale.
type Allocation struct {
	slab   *Slab
	offset int
	count  int
}

// Slab returns the owning slab.
func (a Allocation) Slab() *Slab { return a.slab }

// Offset returns the byte offset within the slab.
func (a Allocation) Offset() int { return a.offset }

// Count returns the length in bytes.
func (a Allocation) Count() int { return a.count }

// IsZero reports whether a is the empty Allocation.
func (a Allocation) IsZero() bool { return a.slab == nil }

// WriteLock pins the slab mapping and returns the writable bytes of the
// allocation. The returned unlock must be called once the write is complete
// and marks the bytes for the next flush. In between, the slab is neither
// remapped nor disposed; the holder must not block.
func (a Allocation) WriteLock() ([]byte, func(), error) {
	if a.slab == nil {
		return nil, nil, ErrNotMapped
	}
	data, err := a.slab.pin()
	if err != nil {
		return nil, nil, fmt.Errorf("slab %d: %w", a.slab.id, err)
	}
	unlock := sync.OnceFunc(func() {
		a.slab.dirty.add(span{a.offset, a.offset + a.count})
		a.slab.unpin()
	})
	return data[a.offset : a.offset+a.count : a.offset+a.count], unlock, nil
}

// Write copies p into the allocation at byte offset off.
func (a Allocation) Write(off int, p []byte) error {
	if off < 0 || off+len(p) > a.count {
		return fmt.Errorf("%w: write [%d, %d) into %d bytes", ErrOutOfRange, off, off+len(p), a.count)
	}
	dst, unlock, err := a.WriteLock()
	if err != nil {
		return err
	}
	copy(dst[off:], p)
	unlock()
	return nil
}

// CopyTo copies the live bytes of a into dst, which must be the same size.
// The source slab must be mapped (typically read-only during defragmentation).
func (a Allocation) CopyTo(dst Allocation) error {
	if dst.count != a.count {
		return fmt.Errorf("%w: copy %d bytes into %d", ErrOutOfRange, a.count, dst.count)
	}
	data, err := a.slab.pinRead()
	if err != nil {
		return fmt.Errorf("slab %d: %w", a.slab.id, err)
	}
	defer a.slab.unpin()
	return dst.Write(0, data[a.offset:a.offset+a.count])
}

// Flush uploads the completed writes of the allocation. Render goroutine only.
func (a Allocation) Flush(dev device.Device) error {
	if a.slab == nil {
		return ErrNotMapped
	}
	return a.slab.FlushRange(dev, a.offset, a.count)
}

// Discard returns a granted region that will never be wrapped in a DrawHandle.
func (a Allocation) Discard() {
	if a.slab != nil {
		a.slab.discard(a.count)
	}
}

func (a Allocation) String() string {
	if a.slab == nil {
		return "Allocation{}"
	}
	return fmt.Sprintf("Allocation{slab: %d, offset: %d, count: %d}", a.slab.id, a.offset, a.count)
}
