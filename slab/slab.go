package slab

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/hupe1980/meshpool/device"
)

// finalBit marks a slab as final inside the same word as its bump offset, so
// finalization and allocation linearize on one CAS.
const finalBit = int64(1) << 62

// Kind distinguishes pooled slabs from single-use upload buffers.
type Kind uint8

const (
	// Reusable slabs are pooled, reset and defragmented.
	Reusable Kind = iota
	// OneShot slabs hold host memory that is uploaded once and disposed when released.
	OneShot
)

func (k Kind) String() string {
	if k == OneShot {
		return "one-shot"
	}
	return "reusable"
}

// Scheduler receives slabs that should be reclaimed and device objects that
// must be destroyed on the render goroutine.
type Scheduler interface {
	// ScheduleRelease enqueues s for reclaim. It must not block.
	ScheduleRelease(s *Slab)
	// RetireVertexArray enqueues a vertex array for deletion.
	RetireVertexArray(id device.VertexArrayID)
}

type hostView struct {
	data []byte
	mode device.MapMode
}

// Slab is a fixed-capacity device buffer with a lock-free bump allocator.
type Slab struct {
	id       uint32
	capacity int
	kind     Kind
	sched    Scheduler

	word             atomic.Int64 // bump offset | finalBit
	retained         atomic.Int64
	releaseRequested atomic.Bool
	disposed         atomic.Bool

	// Copies pin the mapping. MapReadOnly and Dispose seal first and then
	// wait for the pins to drain.
	pins   atomic.Int32
	sealed atomic.Bool

	view      atomic.Pointer[hostView]
	retainers retainerSet
	dirty     dirtySet

	// Render goroutine only.
	buffer device.BufferID
	host   []byte // one-shot staging memory
}

// New creates an empty reusable slab. The device buffer is created on the
// first Map.
func New(id uint32, capacity int, sched Scheduler) *Slab {
	return &Slab{
		id:        id,
		capacity:  capacity,
		kind:      Reusable,
		sched:     sched,
		retainers: newRetainerSet(),
	}
}

// NewOneShot creates a slab backed by fresh host memory of exactly capacity
// bytes. It is writable immediately and uploaded on the first flush; the
// caller takes its whole capacity with one request and then finalizes it.
func NewOneShot(id uint32, capacity int, sched Scheduler) *Slab {
	s := &Slab{
		id:        id,
		capacity:  capacity,
		kind:      OneShot,
		sched:     sched,
		retainers: newRetainerSet(),
		host:      make([]byte, capacity),
	}
	s.view.Store(&hostView{data: s.host, mode: device.MapWrite})
	return s
}

// ID returns the pool-unique slab id.
func (s *Slab) ID() uint32 { return s.id }

// Capacity returns the slab size in bytes.
func (s *Slab) Capacity() int { return s.capacity }

// Kind returns the slab kind.
func (s *Slab) Kind() Kind { return s.kind }

// Buffer returns the device buffer, or 0 before it was created.
// Render goroutine only.
func (s *Slab) Buffer() device.BufferID { return s.buffer }

// Offset returns the current bump offset.
func (s *Slab) Offset() int { return int(s.word.Load() &^ finalBit) }

// IsFinal reports whether the slab stopped accepting requests.
func (s *Slab) IsFinal() bool { return s.word.Load()&finalBit != 0 }

// IsDisposed reports whether the device buffer was destroyed.
func (s *Slab) IsDisposed() bool { return s.disposed.Load() }

// IsMapped reports whether a host view is established.
func (s *Slab) IsMapped() bool { return s.view.Load() != nil }

// IsMappedReadOnly reports whether the host view is a read mapping.
func (s *Slab) IsMappedReadOnly() bool {
	v := s.view.Load()
	return v != nil && v.mode == device.MapRead
}

// RetainedBytes returns the sum of live allocation byte counts.
func (s *Slab) RetainedBytes() int { return int(s.retained.Load()) }

// RetainerCount returns the number of draw handles retaining this slab.
func (s *Slab) RetainerCount() int { return s.retainers.len() }

// Retainers returns a snapshot of the retaining draw handles.
func (s *Slab) Retainers() []*DrawHandle { return s.retainers.snapshot() }

// ReleaseRequested reports whether the slab is scheduled for reclaim.
func (s *Slab) ReleaseRequested() bool { return s.releaseRequested.Load() }

// Dirty reports whether completed writes are waiting to be flushed.
func (s *Slab) Dirty() bool { return !s.dirty.empty() }

// UnallocatedBytes returns the free tail of the slab, or 0 if final.
func (s *Slab) UnallocatedBytes() int {
	w := s.word.Load()
	if w&finalBit != 0 {
		return 0
	}
	return s.capacity - int(w)
}

// RequestBytes grants up to byteCount bytes, rounded down to whole stride
// units that fit the remaining space. It returns false when the slab is final,
// disposed or has no room for one stride unit. Safe for concurrent callers.
func (s *Slab) RequestBytes(byteCount, stride int) (Allocation, bool) {
	if byteCount <= 0 || stride <= 0 || s.disposed.Load() {
		return Allocation{}, false
	}

	// Reserve before publishing so a granted region is never invisible to reclaim.
	s.retained.Add(int64(byteCount))

	for {
		w := s.word.Load()
		if w&finalBit != 0 {
			break
		}
		old := int(w)
		avail := (s.capacity - old) / stride * stride
		if avail <= 0 {
			break
		}
		n := min(byteCount, avail)
		if s.word.CompareAndSwap(w, w+int64(n)) {
			if n < byteCount {
				s.retained.Add(-int64(byteCount - n))
			}
			return Allocation{slab: s, offset: old, count: n}, true
		}
	}

	s.retained.Add(-int64(byteCount))
	s.maybeScheduleRelease()
	return Allocation{}, false
}

// SetFinal blocks all further requests. It is one-way and idempotent.
func (s *Slab) SetFinal() {
	for {
		w := s.word.Load()
		if w&finalBit != 0 {
			return
		}
		if s.word.CompareAndSwap(w, w|finalBit) {
			s.maybeScheduleRelease()
			return
		}
	}
}

// Retain registers h as pinning bytes of this slab. The bytes themselves were
// reserved when the allocation was granted.
func (s *Slab) Retain(h *DrawHandle) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.retainers.add(h)
	return nil
}

// Release drops h and the byteCount bytes it pinned.
func (s *Slab) Release(h *DrawHandle, byteCount int) error {
	if !s.retainers.remove(h) {
		return fmt.Errorf("%w: slab %d", ErrDoubleRelease, s.id)
	}
	s.retained.Add(-int64(byteCount))
	s.maybeScheduleRelease()
	return nil
}

// discard returns bytes of a granted region that never got a handle.
func (s *Slab) discard(byteCount int) {
	s.retained.Add(-int64(byteCount))
	s.maybeScheduleRelease()
}

func (s *Slab) maybeScheduleRelease() {
	if s.sched == nil || s.disposed.Load() {
		return
	}
	if s.word.Load()&finalBit == 0 {
		return
	}
	live := s.retained.Load()
	if s.kind == OneShot {
		if live != 0 {
			return
		}
	} else if live >= int64(s.capacity/2) {
		return
	}
	if s.releaseRequested.CompareAndSwap(false, true) {
		s.sched.ScheduleRelease(s)
	}
}

// pin marks a writer active and returns the writable view. The counter is
// raised before the checks, so a concurrent seal either fails this pin or
// waits for it.
func (s *Slab) pin() ([]byte, error) {
	s.pins.Add(1)
	if s.disposed.Load() {
		s.pins.Add(-1)
		return nil, ErrDisposed
	}
	if s.sealed.Load() {
		s.pins.Add(-1)
		return nil, ErrReadOnly
	}
	v := s.view.Load()
	if v == nil {
		s.pins.Add(-1)
		return nil, ErrNotMapped
	}
	if v.mode != device.MapWrite {
		s.pins.Add(-1)
		return nil, ErrReadOnly
	}
	return v.data, nil
}

// pinRead marks a reader active and returns the host view in any mode.
func (s *Slab) pinRead() ([]byte, error) {
	s.pins.Add(1)
	if s.disposed.Load() {
		s.pins.Add(-1)
		return nil, ErrDisposed
	}
	v := s.view.Load()
	if v == nil {
		s.pins.Add(-1)
		return nil, ErrNotMapped
	}
	return v.data, nil
}

func (s *Slab) unpin() { s.pins.Add(-1) }

// drainPins waits until no copy holds the mapping. A pin only spans a copy.
func (s *Slab) drainPins() {
	for s.pins.Load() != 0 {
		runtime.Gosched()
	}
}

func (s *Slab) ensureBuffer(dev device.Device) error {
	if s.buffer != 0 {
		return nil
	}
	id, err := dev.CreateBuffer(s.capacity)
	if err != nil {
		return fmt.Errorf("slab %d: create buffer: %w", s.id, err)
	}
	s.buffer = id
	return nil
}

// Map establishes a host view of the slab in the given mode, creating the
// device buffer on first use. Render goroutine only.
func (s *Slab) Map(dev device.Device, mode device.MapMode) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.kind == OneShot {
		return nil
	}
	if err := s.ensureBuffer(dev); err != nil {
		return err
	}
	if s.view.Load() != nil {
		if err := s.Unmap(dev); err != nil {
			return err
		}
	}
	data, err := dev.MapBuffer(s.buffer, mode)
	if err != nil {
		return &device.MapError{Buffer: s.buffer, Mode: mode, Err: err}
	}
	if len(data) < s.capacity {
		_ = dev.UnmapBuffer(s.buffer)
		return &device.MapError{Buffer: s.buffer, Mode: mode, Err: fmt.Errorf("mapped %d of %d bytes", len(data), s.capacity)}
	}
	if mode == device.MapWrite {
		s.sealed.Store(false)
	}
	s.view.Store(&hostView{data: data[:s.capacity:s.capacity], mode: mode})
	return nil
}

// MapReadOnly seals the slab against new writes, waits for the copies in
// progress, uploads every completed write and remaps the slab for reading.
// Regions granted but not yet written can no longer be written and are
// skipped by their packers. Render goroutine only.
func (s *Slab) MapReadOnly(dev device.Device) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	s.sealed.Store(true)
	s.drainPins()
	if s.kind == OneShot {
		return nil
	}
	if err := s.Flush(dev); err != nil {
		s.sealed.Store(false)
		return err
	}
	if err := s.Map(dev, device.MapRead); err != nil {
		s.sealed.Store(false)
		return err
	}
	return nil
}

// Unmap drops the host view. Render goroutine only.
func (s *Slab) Unmap(dev device.Device) error {
	if s.view.Load() == nil {
		return ErrNotMapped
	}
	s.view.Store(nil)
	if s.kind == OneShot || s.buffer == 0 {
		return nil
	}
	if err := dev.UnmapBuffer(s.buffer); err != nil {
		return fmt.Errorf("slab %d: unmap: %w", s.id, err)
	}
	return nil
}

// Flush uploads every write completed since the previous flush. Granted
// regions that are still being written stay pending. It is a no-op when
// nothing is pending or the slab is mapped for reading.
// Render goroutine only.
func (s *Slab) Flush(dev device.Device) error {
	return s.FlushRange(dev, 0, s.capacity)
}

// FlushRange uploads the completed writes inside [offset, offset+length).
// Render goroutine only.
func (s *Slab) FlushRange(dev device.Device, offset, length int) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if offset < 0 || length < 0 || offset+length > s.capacity {
		return fmt.Errorf("%w: flush [%d, %d) of slab %d", ErrOutOfRange, offset, offset+length, s.id)
	}
	v := s.view.Load()
	if v == nil {
		return ErrNotMapped
	}
	if v.mode == device.MapRead || length == 0 {
		return nil
	}
	spans := s.dirty.take(offset, offset+length)
	for i, sp := range spans {
		if err := s.flushRange(dev, sp.off, sp.end-sp.off); err != nil {
			s.dirty.add(spans[i:]...)
			return err
		}
	}
	return nil
}

func (s *Slab) flushRange(dev device.Device, offset, length int) error {
	if s.kind == OneShot {
		return s.upload(dev, offset, length)
	}
	if err := dev.FlushRange(s.buffer, offset, length); err != nil {
		return fmt.Errorf("slab %d: flush: %w", s.id, err)
	}
	return nil
}

// upload copies host memory of a one-shot slab into its device buffer.
func (s *Slab) upload(dev device.Device, offset, length int) error {
	if err := s.ensureBuffer(dev); err != nil {
		return err
	}
	data, err := dev.MapBuffer(s.buffer, device.MapWrite)
	if err != nil {
		return &device.MapError{Buffer: s.buffer, Mode: device.MapWrite, Err: err}
	}
	copy(data[offset:offset+length], s.host[offset:offset+length])
	if err := dev.FlushRange(s.buffer, offset, length); err != nil {
		_ = dev.UnmapBuffer(s.buffer)
		return fmt.Errorf("slab %d: upload: %w", s.id, err)
	}
	return dev.UnmapBuffer(s.buffer)
}

// Reset returns an empty slab to its initial state: storage orphaned, offsets
// zeroed, unmapped and no longer final. It fails with ErrSlabBusy while any
// bytes or retainers remain. Render goroutine only.
func (s *Slab) Reset(dev device.Device) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.retained.Load() != 0 || s.retainers.len() != 0 {
		return fmt.Errorf("%w: slab %d has %d bytes and %d retainers", ErrSlabBusy, s.id, s.retained.Load(), s.retainers.len())
	}
	if s.view.Load() != nil {
		if err := s.Unmap(dev); err != nil {
			return err
		}
	}
	if s.buffer != 0 {
		if err := dev.OrphanBuffer(s.buffer); err != nil {
			return fmt.Errorf("slab %d: orphan: %w", s.id, err)
		}
	}
	s.word.Store(0)
	s.dirty.reset()
	s.sealed.Store(false)
	s.releaseRequested.Store(false)
	return nil
}

// Dispose destroys the device buffer once no copy holds the mapping. Further
// requests and writes fail and draws become no-ops. Idempotent.
// Render goroutine only.
func (s *Slab) Dispose(dev device.Device) error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.sealed.Store(true)
	s.drainPins()
	s.SetFinal()
	s.view.Store(nil)
	s.host = nil
	if s.buffer == 0 {
		return nil
	}
	id := s.buffer
	s.buffer = 0
	if err := dev.DestroyBuffer(id); err != nil {
		return fmt.Errorf("slab %d: destroy: %w", s.id, err)
	}
	return nil
}

func (s *Slab) String() string {
	return fmt.Sprintf("Slab{id: %d, kind: %s, offset: %d/%d, retained: %d, retainers: %d, final: %t}",
		s.id, s.kind, s.Offset(), s.capacity, s.RetainedBytes(), s.RetainerCount(), s.IsFinal())
}
