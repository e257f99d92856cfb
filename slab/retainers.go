package slab

import "sync"

// retainerSet is the concurrent set of handles pinning a slab. It is the only
// slab state touched by workers, the render goroutine and the defrag goroutine.
type retainerSet struct {
	mu      sync.Mutex
	handles map[*DrawHandle]struct{}
}

func newRetainerSet() retainerSet {
	return retainerSet{handles: make(map[*DrawHandle]struct{})}
}

func (r *retainerSet) add(h *DrawHandle) {
	r.mu.Lock()
	r.handles[h] = struct{}{}
	r.mu.Unlock()
}

// remove reports whether h was present.
func (r *retainerSet) remove(h *DrawHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; !ok {
		return false
	}
	delete(r.handles, h)
	return true
}

func (r *retainerSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *retainerSet) snapshot() []*DrawHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DrawHandle, 0, len(r.handles))
	for h := range r.handles {
		out = append(out, h)
	}
	return out
}
