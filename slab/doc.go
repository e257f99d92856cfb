// Package slab implements fixed-capacity device memory blocks with lock-free
// bump-pointer allocation, the byte ranges granted from them, and the
// reference-counted draw handles that pin those ranges.
//
// # Concurrency Model
//
// Slab.RequestBytes, Allocation writes, DrawHandle.Release and the retain
// bookkeeping are safe from any goroutine. Everything that touches the device
// (Map, Unmap, Flush, FlushRange, Reset, Dispose, DrawHandle.Bind/Draw/Flush,
// DrawHandle.ReplaceAllocation) must run on the render goroutine that owns the
// device context.
//
// # Accounting
//
// Bytes are reserved against RetainedBytes before a grant is published, so a
// region handed to a worker counts as live until it is released or discarded.
// Once a slab is final its live byte count can only shrink, which is what lets
// the pool decide "nothing left to copy" from a single atomic load.
//
// # Reclaim
//
// A release that drops a final slab below half its capacity hands the slab to
// its Scheduler exactly once; the flag is cleared again by Reset. One-shot slabs
// are scheduled when they become empty.
package slab
