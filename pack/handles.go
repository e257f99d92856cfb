package pack

import (
	"errors"
	"sync"

	"github.com/hupe1980/meshpool/slab"
)

// HandleList collects the draw handles produced for one frame. Lists are
// pooled: get one with AcquireHandleList and give it back with
// ReleaseHandleList once the handles are no longer needed by the list.
type HandleList struct {
	handles []*slab.DrawHandle
}

var handleListPool = sync.Pool{
	New: func() any { return &HandleList{handles: make([]*slab.DrawHandle, 0, 64)} },
}

// AcquireHandleList returns an empty list from the pool.
func AcquireHandleList() *HandleList {
	return handleListPool.Get().(*HandleList)
}

// ReleaseHandleList returns l to the pool. The handles it holds are not
// released; call ReleaseAll first when they are being dropped.
func ReleaseHandleList(l *HandleList) {
	if l == nil {
		return
	}
	clear(l.handles)
	l.handles = l.handles[:0]
	handleListPool.Put(l)
}

// Add appends h.
func (l *HandleList) Add(h *slab.DrawHandle) { l.handles = append(l.handles, h) }

// Len returns the number of handles.
func (l *HandleList) Len() int { return len(l.handles) }

// At returns the i-th handle.
func (l *HandleList) At(i int) *slab.DrawHandle { return l.handles[i] }

// Handles returns the handles in emission order. The slice is only valid
// until the list is modified or released.
func (l *HandleList) Handles() []*slab.DrawHandle { return l.handles }

// ReleaseAll releases every handle and empties the list.
func (l *HandleList) ReleaseAll() error {
	return l.truncate(0)
}

// truncate releases and drops the handles from index n on.
func (l *HandleList) truncate(n int) error {
	var errs []error
	for _, h := range l.handles[n:] {
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(l.handles[n:])
	l.handles = l.handles[:n]
	return errors.Join(errs...)
}
