// Package pool manages the lifecycle of device slabs.
//
// Every slab sits in exactly one stage:
//
//	idle -> ready -> active -> pending-release -> pending-rebuffer -> pending-reset -> idle
//
// Worker goroutines take ready slabs with GetEmptyMapped. Slabs whose live
// bytes drop below half their capacity after finalization are scheduled for
// release from any goroutine. Once per frame the render goroutine calls
// Frame (or FlushActive and PrepareEmpties), which moves released slabs
// along, applies finished defragmentation swaps, resets emptied slabs and
// tops the ready stage up.
//
// A single background goroutine, started with Start, copies the live regions
// of a released slab into fresh allocations obtained from a Claimer. The
// render goroutine later swaps those allocations into their draw handles.
package pool
