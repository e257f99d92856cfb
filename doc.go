// Package meshpool manages transient vertex memory for a real-time renderer.
//
// Geometry is generated by many worker goroutines and drawn by a single
// render goroutine. meshpool hands the workers fixed-capacity device slabs
// to fill, lets the render goroutine upload and draw what they produced and
// reclaims slabs once the geometry drawn from them is gone, moving the last
// live regions of sparse slabs elsewhere in the background.
//
// # Quick Start
//
//	m, _ := meshpool.Open(dev, meshpool.WithSlabCapacity(4<<20))
//	defer m.Close(ctx)
//
// Workers record spans and pack them:
//
//	packer := m.NewPacker()
//	list := pack.NewPackingList(64)
//	list.AddPacking(format.Terrain, 0, vertexCount)
//	out := pack.AcquireHandleList()
//	res, err := packer.Pack(ctx, list, words, out)
//
// The render goroutine runs one frame of maintenance and draws:
//
//	if err := m.Frame(ctx); err != nil { ... }
//	var bound device.VertexArrayID
//	for _, h := range out.Handles() {
//	    h.Flush(dev)
//	    bound, _ = h.Bind(dev, bound)
//	    h.Draw(dev)
//	}
//
// Handles are released when their geometry is no longer visible:
//
//	out.ReleaseAll()
//	pack.ReleaseHandleList(out)
//
// # Threading
//
// Packing is safe from any number of goroutines. Frame, Rebuild, Close and
// every DrawHandle method that takes a device must run on the render
// goroutine. DrawHandle.Release is safe anywhere.
//
// # Backpressure
//
// When no slab becomes ready within Config.AcquireTimeout, allocation fails
// with ErrPoolExhausted. The packer skips the span and reports it in
// pack.PackResult; IsRecoverable tells such errors apart from ones that
// should abort the frame.
//
// # Device Loss
//
// After the device context is lost, call Rebuild with the new device. Every
// slab of the old context is disposed; handles that still point into it draw
// nothing and may be released at leisure.
package meshpool
