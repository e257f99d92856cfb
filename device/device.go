// Package device defines the capability surface meshpool consumes from a
// graphics backend. It is the only GPU- or OS-specific boundary: allocating
// and destroying fixed-capacity buffers, mapping them for reading or writing,
// flushing written ranges, and binding and drawing vertex data.
//
// Every method is context-bound: implementations may assume they are only
// called from the single render goroutine that owns the device context.
package device

import (
	"errors"
	"fmt"

	"github.com/hupe1980/meshpool/format"
)

// BufferID identifies a device buffer. The zero value means "no buffer".
type BufferID uint32

// VertexArrayID identifies a device vertex array (attribute binding state).
// The zero value means "nothing bound".
type VertexArrayID uint32

// MapMode selects how a buffer is mapped into host memory.
type MapMode uint8

const (
	// MapWrite maps the buffer for host writes; writes become visible to the
	// device after FlushRange.
	MapWrite MapMode = iota + 1
	// MapRead maps the buffer for host reads of previously flushed contents.
	MapRead
)

func (m MapMode) String() string {
	switch m {
	case MapWrite:
		return "write"
	case MapRead:
		return "read"
	default:
		return fmt.Sprintf("MapMode(%d)", uint8(m))
	}
}

var (
	// ErrUnknownBuffer is returned for buffer ids that were never created or
	// were already destroyed.
	ErrUnknownBuffer = errors.New("device: unknown buffer")
	// ErrUnknownVertexArray is returned for stale vertex array ids.
	ErrUnknownVertexArray = errors.New("device: unknown vertex array")
	// ErrNotMapped is returned when flushing or unmapping an unmapped buffer.
	ErrNotMapped = errors.New("device: buffer not mapped")
	// ErrOutOfMemory is returned when the device cannot allocate a buffer.
	ErrOutOfMemory = errors.New("device: out of memory")
	// ErrLost is returned after the device context was lost.
	ErrLost = errors.New("device: context lost")
)

// MapError reports a failure to establish a host mapping. Mapping failures
// abort the current frame's buffering work.
type MapError struct {
	Buffer BufferID
	Mode   MapMode
	Err    error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("device: map buffer %d for %s: %v", e.Buffer, e.Mode, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// Capabilities describes optional device features detected at init.
type Capabilities struct {
	// PersistentMapping reports whether buffers can stay mapped for writing
	// while earlier ranges are flushed and drawn. Without it, reusable slabs
	// cannot be refilled in place and geometry is uploaded one-shot.
	PersistentMapping bool
	// MaxBufferSize is the largest buffer the device accepts (0 = unlimited).
	MaxBufferSize int
}

// Device is the opaque capability surface of the graphics backend.
type Device interface {
	// Capabilities reports detected optional features.
	Capabilities() Capabilities

	// CreateBuffer allocates a zero-filled buffer of capacity bytes.
	CreateBuffer(capacity int) (BufferID, error)
	// DestroyBuffer releases a buffer and any mapping of it.
	DestroyBuffer(id BufferID) error
	// OrphanBuffer re-initializes the storage of a buffer, discarding its
	// contents without changing its id or capacity.
	OrphanBuffer(id BufferID) error

	// MapBuffer maps the whole buffer and returns the host view.
	MapBuffer(id BufferID, mode MapMode) ([]byte, error)
	// UnmapBuffer ends the current mapping. Host views become invalid.
	UnmapBuffer(id BufferID) error
	// FlushRange makes host writes in [offset, offset+length) visible to the device.
	FlushRange(id BufferID, offset, length int) error

	// CreateVertexArray binds the attribute layout of f to buffer, with the
	// first vertex at byteOffset.
	CreateVertexArray(buffer BufferID, f *format.Format, byteOffset int) (VertexArrayID, error)
	// DeleteVertexArray destroys a vertex array.
	DeleteVertexArray(id VertexArrayID) error
	// BindVertexArray makes id the current vertex array.
	BindVertexArray(id VertexArrayID) error
	// Draw issues a draw call for vertexCount vertices against the currently
	// bound vertex array.
	Draw(vertexCount int) error
}
