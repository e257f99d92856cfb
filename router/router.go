// Package router decides which slab serves an allocation request.
//
// A Router splits a request into stride-aligned regions, each confined to a
// single slab, and hands them to the caller one at a time. Reusable packs
// requests into pooled slabs with a best-fit search; OneShot gives every
// request its own upload buffer for devices without persistent mappings.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/slab"
)

// ErrInvalidRequest is returned for requests no slab can serve.
var ErrInvalidRequest = errors.New("router: invalid request")

// Router places allocation requests into slabs.
type Router interface {
	// Claim grants byteCount bytes as one or more regions and calls onRegion
	// for each, in order. The granted counts sum to byteCount. Regions already
	// passed to onRegion stay with the caller when Claim fails; a region
	// rejected by onRegion is discarded.
	Claim(ctx context.Context, f *format.Format, byteCount int, onRegion func(slab.Allocation) error) error
}

// Source supplies slabs to a router. *pool.Pool implements it.
type Source interface {
	GetEmptyMapped(ctx context.Context) (*slab.Slab, error)
	NewOneShot(capacity int) (*slab.Slab, error)
	SlabCapacity() int
}

// Select picks the strategy for a device: Reusable when buffers stay mapped
// across frames, OneShot otherwise.
func Select(caps device.Capabilities, src Source, opts ...Option) Router {
	if caps.PersistentMapping {
		return NewReusable(src, opts...)
	}
	return NewOneShot(src)
}

func validate(f *format.Format, byteCount int) error {
	if f == nil {
		return fmt.Errorf("%w: nil format", ErrInvalidRequest)
	}
	if byteCount < 0 {
		return fmt.Errorf("%w: negative byte count %d", ErrInvalidRequest, byteCount)
	}
	if byteCount%f.Stride() != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of stride %d", slab.ErrStrideMismatch, byteCount, f.Stride())
	}
	return nil
}

// deliver passes a to onRegion and discards it when rejected.
func deliver(a slab.Allocation, onRegion func(slab.Allocation) error) error {
	if err := onRegion(a); err != nil {
		a.Discard()
		return err
	}
	return nil
}
