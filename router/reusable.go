package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/slab"
)

// DefaultMinRemainingBytes is the free tail below which a slab is finalized.
const DefaultMinRemainingBytes = 256

// Option configures a Reusable router.
type Option func(*Reusable)

// WithMinRemainingBytes sets the free tail below which a slab stops taking
// requests.
func WithMinRemainingBytes(n int) Option {
	return func(r *Reusable) {
		if n > 0 {
			r.minRemaining = n
		}
	}
}

type freeEntry struct {
	free int
	id   uint32
	slab *slab.Slab
}

func lessFree(a, b freeEntry) bool {
	if a.free != b.free {
		return a.free < b.free
	}
	return a.id < b.id
}

// Reusable routes requests into pooled slabs. Requests of at least one slab
// capacity take whole slabs; smaller ones go to the open slab with the least
// free space that still fits, or to a fresh slab.
type Reusable struct {
	src          Source
	minRemaining int

	mu      sync.Mutex
	index   *btree.BTreeG[freeEntry]
	indexed map[uint32]int // slab id -> indexed free bytes
}

// NewReusable creates a best-fit router over src.
func NewReusable(src Source, opts ...Option) *Reusable {
	r := &Reusable{
		src:          src,
		minRemaining: DefaultMinRemainingBytes,
		index:        btree.NewG(8, lessFree),
		indexed:      make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Claim implements Router.
func (r *Reusable) Claim(ctx context.Context, f *format.Format, byteCount int, onRegion func(slab.Allocation) error) error {
	if err := validate(f, byteCount); err != nil {
		return err
	}
	stride := f.Stride()
	capacity := r.src.SlabCapacity()
	if stride > capacity {
		return fmt.Errorf("%w: stride %d exceeds slab capacity %d", ErrInvalidRequest, stride, capacity)
	}

	for remaining := byteCount; remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			a   slab.Allocation
			err error
		)
		if remaining >= capacity {
			a, err = r.claimFresh(ctx, remaining, stride)
		} else {
			a, err = r.claimBestFit(ctx, remaining, stride)
		}
		if err != nil {
			return err
		}
		remaining -= a.Count()
		if err := deliver(a, onRegion); err != nil {
			return err
		}
	}
	return nil
}

// claimFresh takes the largest stride-aligned bite of a fresh slab.
func (r *Reusable) claimFresh(ctx context.Context, n, stride int) (slab.Allocation, error) {
	s, err := r.src.GetEmptyMapped(ctx)
	if err != nil {
		return slab.Allocation{}, err
	}
	a, ok := s.RequestBytes(n, stride)

	r.mu.Lock()
	r.settle(s)
	r.mu.Unlock()

	if !ok {
		return slab.Allocation{}, fmt.Errorf("router: fresh slab %d refused %d bytes", s.ID(), n)
	}
	return a, nil
}

// claimBestFit serves n bytes from the open slab with the least free space
// that fits them, falling back to a fresh slab.
func (r *Reusable) claimBestFit(ctx context.Context, n, stride int) (slab.Allocation, error) {
	r.mu.Lock()
	for {
		s := r.bestFit(n)
		if s == nil {
			break
		}
		if a, ok := s.RequestBytes(n, stride); ok {
			r.settle(s)
			r.mu.Unlock()
			return a, nil
		}
		r.unindex(s.ID())
	}
	r.mu.Unlock()

	return r.claimFresh(ctx, n, stride)
}

func (r *Reusable) bestFit(n int) *slab.Slab {
	var found *slab.Slab
	r.index.AscendGreaterOrEqual(freeEntry{free: n}, func(e freeEntry) bool {
		found = e.slab
		return false
	})
	return found
}

// settle finalizes s when its free tail is too small to be useful and
// re-indexes it otherwise. Callers hold r.mu.
func (r *Reusable) settle(s *slab.Slab) {
	r.unindex(s.ID())
	free := s.UnallocatedBytes()
	if free < r.minRemaining {
		s.SetFinal()
		return
	}
	r.index.ReplaceOrInsert(freeEntry{free: free, id: s.ID(), slab: s})
	r.indexed[s.ID()] = free
}

func (r *Reusable) unindex(id uint32) {
	free, ok := r.indexed[id]
	if !ok {
		return
	}
	r.index.Delete(freeEntry{free: free, id: id})
	delete(r.indexed, id)
}

// OpenSlabs returns the number of slabs still taking requests.
func (r *Reusable) OpenSlabs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.Len()
}
