package slab

import (
	"cmp"
	"slices"
	"sync"
)

// span is the half-open byte range [off, end).
type span struct {
	off, end int
}

// dirtySet holds ranges whose writes completed but were not yet uploaded.
// Workers add on unlock; the render goroutine takes them when flushing.
type dirtySet struct {
	mu    sync.Mutex
	spans []span
}

func (d *dirtySet) add(spans ...span) {
	d.mu.Lock()
	d.spans = append(d.spans, spans...)
	d.mu.Unlock()
}

func (d *dirtySet) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.spans) == 0
}

func (d *dirtySet) reset() {
	d.mu.Lock()
	d.spans = nil
	d.mu.Unlock()
}

// take removes the parts of every span inside [lo, hi) and returns them
// sorted and coalesced. Parts outside the window stay pending.
func (d *dirtySet) take(lo, hi int) []span {
	d.mu.Lock()
	if len(d.spans) == 0 {
		d.mu.Unlock()
		return nil
	}
	var out []span
	keep := make([]span, 0, len(d.spans))
	for _, sp := range d.spans {
		if sp.end <= lo || sp.off >= hi {
			keep = append(keep, sp)
			continue
		}
		if sp.off < lo {
			keep = append(keep, span{sp.off, lo})
		}
		if sp.end > hi {
			keep = append(keep, span{hi, sp.end})
		}
		out = append(out, span{max(sp.off, lo), min(sp.end, hi)})
	}
	d.spans = keep
	d.mu.Unlock()

	if len(out) < 2 {
		return out
	}
	slices.SortFunc(out, func(a, b span) int { return cmp.Compare(a.off, b.off) })
	merged := out[:1]
	for _, sp := range out[1:] {
		last := &merged[len(merged)-1]
		if sp.off <= last.end {
			last.end = max(last.end, sp.end)
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}
