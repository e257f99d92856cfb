// Package softgpu implements device.Device in host memory.
//
// Each buffer is backed by two anonymous mappings: a staging mapping that
// write maps hand out, and a device mapping that FlushRange copies into and
// read maps expose. Draw calls are recorded rather than rasterized, which
// makes the device suitable for tests and for exercising the allocator under
// load without a graphics context.
package softgpu

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/meshpool/device"
	"github.com/hupe1980/meshpool/format"
	"github.com/hupe1980/meshpool/internal/mmap"
)

// Compile time check to ensure Device satisfies the device interface.
var _ device.Device = (*Device)(nil)

type buffer struct {
	staging *mmap.Mapping
	vram    *mmap.Mapping
	mapped  device.MapMode // 0 when unmapped
}

type vertexArray struct {
	buffer     device.BufferID
	format     *format.Format
	byteOffset int
}

// DrawCall records one Draw invocation.
type DrawCall struct {
	VertexArray device.VertexArrayID
	Buffer      device.BufferID
	Format      *format.Format
	ByteOffset  int
	VertexCount int
}

// Stats is a snapshot of device counters.
type Stats struct {
	BuffersCreated   uint64
	BuffersDestroyed uint64
	LiveBuffers      int
	BytesFlushed     uint64
	Maps             uint64
	Binds            uint64
	Draws            uint64
}

// Option configures a Device.
type Option func(*Device)

// WithCapabilities overrides the reported capabilities.
func WithCapabilities(caps device.Capabilities) Option {
	return func(d *Device) {
		d.caps = caps
	}
}

// WithMaxBuffers limits the number of live buffers; CreateBuffer returns
// device.ErrOutOfMemory beyond it.
func WithMaxBuffers(n int) Option {
	return func(d *Device) {
		d.maxBuffers = n
	}
}

// WithDrawLog keeps every DrawCall for inspection via DrawLog.
func WithDrawLog() Option {
	return func(d *Device) {
		d.keepDraws = true
	}
}

// Device is a host-memory implementation of device.Device.
type Device struct {
	mu          sync.Mutex
	caps        device.Capabilities
	maxBuffers  int
	keepDraws   bool
	buffers     map[device.BufferID]*buffer
	arrays      map[device.VertexArrayID]*vertexArray
	nextBuffer  device.BufferID
	nextArray   device.VertexArrayID
	bound       device.VertexArrayID
	drawLog     []DrawCall
	mapFailures []error
	lost        bool

	created      atomic.Uint64
	destroyed    atomic.Uint64
	bytesFlushed atomic.Uint64
	maps         atomic.Uint64
	binds        atomic.Uint64
	draws        atomic.Uint64
}

// New creates a software device with persistent mapping support.
func New(opts ...Option) *Device {
	d := &Device{
		caps:    device.Capabilities{PersistentMapping: true},
		buffers: make(map[device.BufferID]*buffer),
		arrays:  make(map[device.VertexArrayID]*vertexArray),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Capabilities implements device.Device.
func (d *Device) Capabilities() device.Capabilities {
	return d.caps
}

// CreateBuffer implements device.Device.
func (d *Device) CreateBuffer(capacity int) (device.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return 0, device.ErrLost
	}
	if d.caps.MaxBufferSize > 0 && capacity > d.caps.MaxBufferSize {
		return 0, fmt.Errorf("%w: buffer of %d bytes exceeds max %d", device.ErrOutOfMemory, capacity, d.caps.MaxBufferSize)
	}
	if d.maxBuffers > 0 && len(d.buffers) >= d.maxBuffers {
		return 0, fmt.Errorf("%w: %d live buffers", device.ErrOutOfMemory, len(d.buffers))
	}

	staging, err := mmap.MapAnon(capacity)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", device.ErrOutOfMemory, err)
	}
	vram, err := mmap.MapAnon(capacity)
	if err != nil {
		_ = staging.Close()
		return 0, fmt.Errorf("%w: %w", device.ErrOutOfMemory, err)
	}

	d.nextBuffer++
	id := d.nextBuffer
	d.buffers[id] = &buffer{staging: staging, vram: vram}
	d.created.Add(1)
	return id, nil
}

// DestroyBuffer implements device.Device.
func (d *Device) DestroyBuffer(id device.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}
	delete(d.buffers, id)
	d.destroyed.Add(1)

	err := b.staging.Close()
	if verr := b.vram.Close(); verr != nil && err == nil {
		err = verr
	}
	return err
}

// OrphanBuffer implements device.Device.
func (d *Device) OrphanBuffer(id device.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}
	b.mapped = 0
	if err := b.staging.Discard(); err != nil {
		return err
	}
	return b.vram.Discard()
}

// MapBuffer implements device.Device.
func (d *Device) MapBuffer(id device.BufferID, mode device.MapMode) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.mapFailures) > 0 {
		err := d.mapFailures[0]
		d.mapFailures = d.mapFailures[1:]
		return nil, err
	}
	if d.lost {
		return nil, device.ErrLost
	}
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}

	d.maps.Add(1)
	b.mapped = mode
	if mode == device.MapRead {
		return b.vram.Bytes(), nil
	}
	return b.staging.Bytes(), nil
}

// UnmapBuffer implements device.Device.
func (d *Device) UnmapBuffer(id device.BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}
	if b.mapped == 0 {
		return fmt.Errorf("%w: %d", device.ErrNotMapped, id)
	}
	b.mapped = 0
	return nil
}

// FlushRange implements device.Device.
func (d *Device) FlushRange(id device.BufferID, offset, length int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}
	if b.mapped != device.MapWrite {
		return fmt.Errorf("%w: %d", device.ErrNotMapped, id)
	}
	src, err := b.staging.Range(offset, length)
	if err != nil {
		return fmt.Errorf("softgpu: flush buffer %d: %w", id, err)
	}
	dst, err := b.vram.Range(offset, length)
	if err != nil {
		return fmt.Errorf("softgpu: flush buffer %d: %w", id, err)
	}
	copy(dst, src)
	d.bytesFlushed.Add(uint64(length))
	return nil
}

// CreateVertexArray implements device.Device.
func (d *Device) CreateVertexArray(buf device.BufferID, f *format.Format, byteOffset int) (device.VertexArrayID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.buffers[buf]; !ok {
		return 0, fmt.Errorf("%w: %d", device.ErrUnknownBuffer, buf)
	}
	d.nextArray++
	id := d.nextArray
	d.arrays[id] = &vertexArray{buffer: buf, format: f, byteOffset: byteOffset}
	return id, nil
}

// DeleteVertexArray implements device.Device.
func (d *Device) DeleteVertexArray(id device.VertexArrayID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.arrays[id]; !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownVertexArray, id)
	}
	delete(d.arrays, id)
	if d.bound == id {
		d.bound = 0
	}
	return nil
}

// BindVertexArray implements device.Device.
func (d *Device) BindVertexArray(id device.VertexArrayID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.arrays[id]; !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownVertexArray, id)
	}
	d.bound = id
	d.binds.Add(1)
	return nil
}

// Draw implements device.Device.
func (d *Device) Draw(vertexCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	va, ok := d.arrays[d.bound]
	if !ok {
		return fmt.Errorf("%w: nothing bound", device.ErrUnknownVertexArray)
	}
	b, ok := d.buffers[va.buffer]
	if !ok {
		return fmt.Errorf("%w: %d", device.ErrUnknownBuffer, va.buffer)
	}
	if end := va.byteOffset + vertexCount*va.format.Stride(); end > b.vram.Size() {
		return fmt.Errorf("softgpu: draw of %d vertices reads past buffer %d", vertexCount, va.buffer)
	}

	d.draws.Add(1)
	if d.keepDraws {
		d.drawLog = append(d.drawLog, DrawCall{
			VertexArray: d.bound,
			Buffer:      va.buffer,
			Format:      va.format,
			ByteOffset:  va.byteOffset,
			VertexCount: vertexCount,
		})
	}
	return nil
}

// ReadBack copies length bytes of flushed device memory starting at offset.
func (d *Device) ReadBack(id device.BufferID, offset, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", device.ErrUnknownBuffer, id)
	}
	src, err := b.vram.Range(offset, length)
	if err != nil {
		return nil, fmt.Errorf("softgpu: read buffer %d: %w", id, err)
	}
	return bytes.Clone(src), nil
}

// FailNextMap makes the next MapBuffer call return a failure wrapping err.
func (d *Device) FailNextMap(err error) {
	d.mu.Lock()
	d.mapFailures = append(d.mapFailures, err)
	d.mu.Unlock()
}

// Lose simulates a lost context: every later create or map fails with device.ErrLost.
func (d *Device) Lose() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

// DrawLog returns the recorded draw calls (requires WithDrawLog).
func (d *Device) DrawLog() []DrawCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DrawCall(nil), d.drawLog...)
}

// LiveBuffers returns the ids of all buffers that were not destroyed.
func (d *Device) LiveBuffers() []device.BufferID {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]device.BufferID, 0, len(d.buffers))
	for id := range d.buffers {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	live := len(d.buffers)
	d.mu.Unlock()
	return Stats{
		BuffersCreated:   d.created.Load(),
		BuffersDestroyed: d.destroyed.Load(),
		LiveBuffers:      live,
		BytesFlushed:     d.bytesFlushed.Load(),
		Maps:             d.maps.Load(),
		Binds:            d.binds.Load(),
		Draws:            d.draws.Load(),
	}
}

// Close destroys every remaining buffer.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for id, b := range d.buffers {
		if err := b.staging.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.vram.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.buffers, id)
	}
	clear(d.arrays)
	return firstErr
}
