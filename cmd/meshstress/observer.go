package main

import (
	"time"

	"github.com/hupe1980/meshpool/pool"
)

// teeObserver forwards pool events to every observer in order.
type teeObserver []pool.MetricsObserver

func (t teeObserver) OnFrame(d time.Duration, err error) {
	for _, o := range t {
		o.OnFrame(d, err)
	}
}

func (t teeObserver) OnSlabCreated(capacity int, oneShot bool) {
	for _, o := range t {
		o.OnSlabCreated(capacity, oneShot)
	}
}

func (t teeObserver) OnSlabReset(id uint32) {
	for _, o := range t {
		o.OnSlabReset(id)
	}
}

func (t teeObserver) OnSlabDisposed(id uint32) {
	for _, o := range t {
		o.OnSlabDisposed(id)
	}
}

func (t teeObserver) OnDefrag(d time.Duration, handles int, bytes int64, err error) {
	for _, o := range t {
		o.OnDefrag(d, handles, bytes, err)
	}
}

func (t teeObserver) OnQueueDepth(name string, depth int) {
	for _, o := range t {
		o.OnQueueDepth(name, depth)
	}
}

func (t teeObserver) OnAllocationFailure(reason string) {
	for _, o := range t {
		o.OnAllocationFailure(reason)
	}
}
