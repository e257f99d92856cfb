package pack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"github.com/hupe1980/meshpool/internal/ratelog"
	"github.com/hupe1980/meshpool/pool"
	"github.com/hupe1980/meshpool/router"
	"github.com/hupe1980/meshpool/slab"
)

// ErrSourceOutOfRange is returned when a span reads past the word source.
var ErrSourceOutOfRange = errors.New("pack: span outside word source")

// Option configures a Packer.
type Option func(*Packer)

// WithLogger sets the logger for skipped spans.
func WithLogger(l *slog.Logger) Option {
	return func(p *Packer) { p.logger = l }
}

// WithLogInterval sets the minimum interval between two skipped-span records.
func WithLogInterval(d time.Duration) Option {
	return func(p *Packer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// Packer copies recorded spans into routed allocations. It is safe for
// concurrent use by many workers.
type Packer struct {
	router   router.Router
	logger   *slog.Logger
	interval time.Duration
	skipLog  *ratelog.Logger
}

// NewPacker creates a packer that claims space through r.
func NewPacker(r router.Router, opts ...Option) *Packer {
	p := &Packer{
		router:   r,
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.skipLog = ratelog.New(p.logger, p.interval, 1)
	return p
}

// PackResult summarizes one Pack call.
type PackResult struct {
	Spans   int // spans packed completely
	Skipped int // spans dropped for lack of space
	Handles int
	Bytes   int
}

// Pack claims space for every span of list in order, copies the span's words
// into it and appends one handle per granted region to out. A span that
// cannot get space is skipped whole and counted; cancellation, a closed pool
// and device failures abort. Handles appended before an abort stay in out.
func (p *Packer) Pack(ctx context.Context, list *PackingList, words []uint32, out *HandleList) (PackResult, error) {
	var res PackResult
	for i := 0; i < list.Len(); i++ {
		f, start, count := list.Span(i)
		if count == 0 {
			res.Spans++
			continue
		}
		wpv := f.WordsPerVertex()
		lo, hi := start*wpv, (start+count)*wpv
		if hi > len(words) {
			return res, fmt.Errorf("%w: span %d reads words [%d, %d) of %d", ErrSourceOutOfRange, i, lo, hi, len(words))
		}
		src := wordBytes(words[lo:hi])

		mark := out.Len()
		cursor := 0
		err := p.router.Claim(ctx, f, len(src), func(a slab.Allocation) error {
			dst, unlock, err := a.WriteLock()
			if err != nil {
				return err
			}
			copy(dst, src[cursor:cursor+a.Count()])
			unlock()

			h, err := slab.NewDrawHandle(a, f)
			if err != nil {
				return err
			}
			cursor += a.Count()
			out.Add(h)
			return nil
		})
		if err != nil {
			if !skippable(err) {
				res.Handles += out.Len() - mark
				res.Bytes += cursor
				return res, err
			}
			if rerr := out.truncate(mark); rerr != nil {
				return res, rerr
			}
			res.Skipped++
			p.skipLog.Warn(ctx, "skipping span", "format", f.Name(), "vertices", count, "bytes", len(src), "error", err)
			continue
		}
		res.Spans++
		res.Handles += out.Len() - mark
		res.Bytes += cursor
	}
	return res, nil
}

// skippable reports whether err only costs the current span.
func skippable(err error) bool {
	return errors.Is(err, pool.ErrPoolExhausted) ||
		errors.Is(err, slab.ErrReadOnly) ||
		errors.Is(err, slab.ErrDisposed)
}

func wordBytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4) //nolint:gosec // vertex words are uploaded in host byte order
}
