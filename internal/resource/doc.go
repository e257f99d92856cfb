// Package resource implements the Controller that bounds device memory and
// background work.
//
// The Controller governs three resources:
//
//   - Slabs: a hard ceiling on device slabs alive at once (non-blocking, fail-fast)
//   - Concurrency: background defragmentation slots
//   - Copy throughput: token bucket for background copies so defragmentation
//     does not starve frame work
//
// # Slab Budget
//
//	rc := resource.NewController(resource.Config{MaxSlabs: 64})
//
//	if err := rc.AcquireSlab(); err != nil {
//	    // ErrSlabLimitExceeded - try again next frame
//	}
//	defer rc.ReleaseSlab()
//
// # Copy Throughput
//
//	rc := resource.NewController(resource.Config{CopyBytesPerSec: 64 << 20})
//	if err := rc.AcquireCopy(ctx, len(region)); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
package resource
