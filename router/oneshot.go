package router

import (
	"context"
	"fmt"

	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/slab"
)

// OneShot gives every request a host-side buffer of exactly its size. The
// buffer is uploaded on its first flush and disposed once released; it is
// never defragmented.
type OneShot struct {
	src Source
}

// NewOneShot creates a one-shot router over src.
func NewOneShot(src Source) *OneShot {
	return &OneShot{src: src}
}

// Claim implements Router.
func (o *OneShot) Claim(ctx context.Context, f *format.Format, byteCount int, onRegion func(slab.Allocation) error) error {
	if err := validate(f, byteCount); err != nil {
		return err
	}
	if byteCount == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := o.src.NewOneShot(byteCount)
	if err != nil {
		return err
	}
	a, ok := s.RequestBytes(byteCount, f.Stride())
	s.SetFinal()
	if !ok {
		return fmt.Errorf("router: one-shot slab %d refused %d bytes", s.ID(), byteCount)
	}
	return deliver(a, onRegion)
}
