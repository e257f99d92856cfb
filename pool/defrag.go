package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/slab"
)

func (p *Pool) signalRebuffer() {
	select {
	case p.rebufferCh <- struct{}{}:
	default:
	}
}

func (p *Pool) popRebuffer() (*slab.Slab, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rebufferQ) == 0 {
		return nil, 0
	}
	s := p.rebufferQ[0]
	p.rebufferQ[0] = nil
	p.rebufferQ = p.rebufferQ[1:]
	return s, len(p.rebufferQ)
}

func (p *Pool) runDefragLoop(ctx context.Context, c Claimer) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rebufferCh:
			for {
				s, depth := p.popRebuffer()
				if s == nil {
					break
				}
				p.metrics.OnQueueDepth("rebuffer", depth)
				p.rebuffer(ctx, c, s)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// rebuffer copies the live regions of s and hands the result to the render
// goroutine. Runs on the background goroutine only.
func (p *Pool) rebuffer(ctx context.Context, c Claimer, s *slab.Slab) {
	if s.IsDisposed() {
		return
	}

	start := time.Now()
	job := &resetJob{slab: s}
	moved, err := p.copyLive(ctx, c, job)
	if ctx.Err() != nil {
		for _, sw := range job.swaps {
			sw.alloc.Discard()
		}
		return
	}
	p.metrics.OnDefrag(time.Since(start), len(job.swaps), moved, err)

	p.mu.Lock()
	err = p.stages.move(s.ID(), StagePendingRebuffer, StagePendingReset)
	if err == nil {
		p.resetQ = append(p.resetQ, job)
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("queue reset", "slab", s.ID(), "error", err)
		for _, sw := range job.swaps {
			sw.alloc.Discard()
		}
	}
}

// copyLive copies the region of every live retainer of job.slab into a fresh
// allocation. Handles left behind on error keep the slab alive until they are
// released or a later pass moves them.
func (p *Pool) copyLive(ctx context.Context, c Claimer, job *resetJob) (int64, error) {
	if err := p.res.AcquireBackground(ctx); err != nil {
		return 0, err
	}
	defer p.res.ReleaseBackground()

	var moved int64
	for _, h := range job.slab.Retainers() {
		if h.IsReleased() {
			continue
		}
		src := h.Allocation()
		if src.Slab() != job.slab {
			continue
		}
		if err := p.res.AcquireCopy(ctx, src.Count()); err != nil {
			return moved, err
		}
		dst, err := claimOne(ctx, c, h.Format(), src.Count())
		if err != nil {
			return moved, err
		}
		if err := src.CopyTo(dst); err != nil {
			dst.Discard()
			return moved, err
		}
		job.swaps = append(job.swaps, swap{handle: h, alloc: dst})
		moved += int64(src.Count())
	}
	return moved, nil
}

// claimOne claims byteCount bytes as a single contiguous region.
func claimOne(ctx context.Context, c Claimer, f *format.Format, byteCount int) (slab.Allocation, error) {
	var got []slab.Allocation
	err := c.Claim(ctx, f, byteCount, func(a slab.Allocation) error {
		got = append(got, a)
		return nil
	})
	if err == nil && len(got) != 1 {
		err = fmt.Errorf("pool: replacement of %d bytes split into %d regions", byteCount, len(got))
	}
	if err != nil {
		for _, a := range got {
			a.Discard()
		}
		return slab.Allocation{}, err
	}
	return got[0], nil
}
