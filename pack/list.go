package pack

import (
	"errors"
	"fmt"

	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/internal/conv"
)

// ErrInvalidSpan is returned for spans that cannot be recorded.
var ErrInvalidSpan = errors.New("pack: invalid span")

const minListCapacity = 8

// PackingList records spans of vertices in emission order. The zero value is
// ready to use. Not safe for concurrent use.
type PackingList struct {
	formats []*format.Format
	starts  []int32
	counts  []int32
	bytes   int
}

// NewPackingList creates a list with room for n spans.
func NewPackingList(n int) *PackingList {
	l := &PackingList{}
	l.grow(n)
	return l
}

// AddPacking records vertexCount vertices of format f starting at vertex
// startVertex of the word source, where vertices are counted in units of f.
func (l *PackingList) AddPacking(f *format.Format, startVertex, vertexCount int) error {
	if f == nil {
		return fmt.Errorf("%w: nil format", ErrInvalidSpan)
	}
	start, err := conv.IntToInt32(startVertex)
	if err != nil || start < 0 {
		return fmt.Errorf("%w: start vertex %d", ErrInvalidSpan, startVertex)
	}
	count, err := conv.IntToInt32(vertexCount)
	if err != nil || count < 0 {
		return fmt.Errorf("%w: vertex count %d", ErrInvalidSpan, vertexCount)
	}

	if len(l.formats) == cap(l.formats) {
		l.grow(2 * cap(l.formats))
	}
	l.formats = append(l.formats, f)
	l.starts = append(l.starts, start)
	l.counts = append(l.counts, count)
	l.bytes += f.ByteCount(vertexCount)
	return nil
}

// grow reallocates the parallel arrays to capacity n.
func (l *PackingList) grow(n int) {
	n = max(n, minListCapacity)
	if n <= cap(l.formats) {
		return
	}
	formats := make([]*format.Format, len(l.formats), n)
	starts := make([]int32, len(l.starts), n)
	counts := make([]int32, len(l.counts), n)
	copy(formats, l.formats)
	copy(starts, l.starts)
	copy(counts, l.counts)
	l.formats, l.starts, l.counts = formats, starts, counts
}

// Len returns the number of recorded spans.
func (l *PackingList) Len() int { return len(l.formats) }

// Span returns the i-th span.
func (l *PackingList) Span(i int) (f *format.Format, startVertex, vertexCount int) {
	return l.formats[i], int(l.starts[i]), int(l.counts[i])
}

// ByteSizeHint returns the total byte footprint of all spans.
func (l *PackingList) ByteSizeHint() int { return l.bytes }

// Reset empties the list and keeps its storage.
func (l *PackingList) Reset() {
	clear(l.formats)
	l.formats = l.formats[:0]
	l.starts = l.starts[:0]
	l.counts = l.counts[:0]
	l.bytes = 0
}
