package slab

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/format"
)

// DrawHandle owns one Allocation plus the format and vertex count needed to
// draw it. While live it retains its slab.
type DrawHandle struct {
	mu          sync.Mutex
	alloc       Allocation
	format      *format.Format
	vertexCount int
	vao         device.VertexArrayID
	released    atomic.Bool
}

// NewDrawHandle wraps a granted allocation and retains its slab. On error the
// allocation is left to the caller.
func NewDrawHandle(a Allocation, f *format.Format) (*DrawHandle, error) {
	if a.slab == nil {
		return nil, ErrNotMapped
	}
	if a.count%f.Stride() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, stride %d", ErrStrideMismatch, a.count, f.Stride())
	}
	h := &DrawHandle{
		alloc:       a,
		format:      f,
		vertexCount: a.count / f.Stride(),
	}
	if err := a.slab.Retain(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Allocation returns the current allocation.
func (h *DrawHandle) Allocation() Allocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc
}

// Format returns the pipeline format.
func (h *DrawHandle) Format() *format.Format { return h.format }

// VertexCount returns the number of vertices drawn.
func (h *DrawHandle) VertexCount() int { return h.vertexCount }

// IsReleased reports whether Release was called.
func (h *DrawHandle) IsReleased() bool { return h.released.Load() }

// Release drops the handle's claim on its slab. It is idempotent and safe from
// any goroutine; the vertex array is retired to the render goroutine.
func (h *DrawHandle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	h.mu.Lock()
	a := h.alloc
	vao := h.vao
	h.vao = 0
	h.mu.Unlock()

	if vao != 0 && a.slab.sched != nil {
		a.slab.sched.RetireVertexArray(vao)
	}
	return a.slab.Release(h, a.count)
}

// ReplaceAllocation moves the handle onto a, releasing its previous region,
// flushing a and retiring the vertex array so the next Bind rebuilds it. It
// returns false if the handle was released meanwhile, in which case the caller
// still owns a. Render goroutine only.
func (h *DrawHandle) ReplaceAllocation(dev device.Device, a Allocation) (bool, error) {
	if a.count != h.format.ByteCount(h.vertexCount) {
		return false, fmt.Errorf("%w: replacement of %d bytes for %d vertices", ErrStrideMismatch, a.count, h.vertexCount)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		return false, nil
	}
	if err := a.slab.Retain(h); err != nil {
		return false, err
	}
	old := h.alloc
	h.alloc = a
	vao := h.vao
	h.vao = 0

	var errs []error
	if vao != 0 {
		if old.slab.sched != nil {
			old.slab.sched.RetireVertexArray(vao)
		} else if err := dev.DeleteVertexArray(vao); err != nil {
			errs = append(errs, fmt.Errorf("slab %d: delete vertex array: %w", old.slab.id, err))
		}
	}
	if err := old.slab.Release(h, old.count); err != nil {
		errs = append(errs, err)
	}
	if err := a.Flush(dev); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// Flush makes the handle's bytes visible to the device. Render goroutine only.
func (h *DrawHandle) Flush(dev device.Device) error {
	h.mu.Lock()
	a := h.alloc
	h.mu.Unlock()
	if h.released.Load() {
		return ErrReleased
	}
	return a.Flush(dev)
}

// Bind makes the handle's vertex array current unless lastBound already is,
// and returns the id now bound. Handles on disposed slabs bind nothing.
// Render goroutine only.
func (h *DrawHandle) Bind(dev device.Device, lastBound device.VertexArrayID) (device.VertexArrayID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released.Load() {
		return lastBound, ErrReleased
	}
	s := h.alloc.slab
	if s.IsDisposed() {
		return lastBound, nil
	}
	if h.vao == 0 {
		if err := s.ensureBuffer(dev); err != nil {
			return lastBound, err
		}
		vao, err := dev.CreateVertexArray(s.buffer, h.format, h.alloc.offset)
		if err != nil {
			return lastBound, fmt.Errorf("slab %d: create vertex array: %w", s.id, err)
		}
		h.vao = vao
	}
	if h.vao == lastBound {
		return lastBound, nil
	}
	if err := dev.BindVertexArray(h.vao); err != nil {
		return lastBound, err
	}
	return h.vao, nil
}

// Draw issues the draw call for the bound handle. It is a no-op once the
// handle is released or its slab disposed. Render goroutine only.
func (h *DrawHandle) Draw(dev device.Device) error {
	if h.released.Load() {
		return nil
	}
	h.mu.Lock()
	s := h.alloc.slab
	h.mu.Unlock()
	if s.IsDisposed() {
		return nil
	}
	return dev.Draw(h.vertexCount)
}

func (h *DrawHandle) String() string {
	return fmt.Sprintf("DrawHandle{%s, format: %s, vertices: %d, released: %t}",
		h.Allocation(), h.format.Name(), h.vertexCount, h.IsReleased())
}
