// Package mmap allocates buffer storage outside the Go heap.
//
// The software device backs every buffer with two anonymous mappings, one for
// host writes and one for device-visible contents. Keeping them off-heap
// keeps multi-megabyte slabs out of the garbage collector and gives each
// buffer a stable address for as long as it lives.
//
//	m, err := mmap.MapAnon(4 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	dst, err := m.Range(off, len(payload))
//	if err != nil { ... }
//	copy(dst, payload)
//
// Unix systems use mmap(2) with MAP_ANON|MAP_PRIVATE; Windows uses VirtualAlloc.
package mmap
