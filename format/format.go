// Package format describes vertex pipeline formats: the byte stride of one
// vertex record and the attribute layout a draw call interprets it with.
package format

import (
	"errors"
	"fmt"
)

// WordSize is the width in bytes of one raw vertex word.
const WordSize = 4

// ErrInvalidFormat is returned by Validate for malformed descriptors.
var ErrInvalidFormat = errors.New("format: invalid format")

// ComponentType is the scalar type of an attribute component.
type ComponentType uint8

const (
	Float32 ComponentType = iota
	Uint32
	Int32
	Uint16
	Int16
	Uint8
	Int8
)

// Size returns the byte width of one component.
func (c ComponentType) Size() int {
	switch c {
	case Float32, Uint32, Int32:
		return 4
	case Uint16, Int16:
		return 2
	default:
		return 1
	}
}

func (c ComponentType) String() string {
	switch c {
	case Float32:
		return "f32"
	case Uint32:
		return "u32"
	case Int32:
		return "i32"
	case Uint16:
		return "u16"
	case Int16:
		return "i16"
	case Uint8:
		return "u8"
	case Int8:
		return "i8"
	default:
		return fmt.Sprintf("ComponentType(%d)", uint8(c))
	}
}

// Attribute is one vertex attribute inside a record.
type Attribute struct {
	Name       string
	Type       ComponentType
	Components int
	Normalized bool
	Offset     int // byte offset within the vertex record
}

// Size returns the number of bytes the attribute occupies.
func (a Attribute) Size() int {
	return a.Type.Size() * a.Components
}

// Format is a pipeline/format descriptor. Formats are immutable once built and
// compared by pointer.
type Format struct {
	name       string
	stride     int
	attributes []Attribute
}

// New builds a format from attributes laid out back to back, padding the
// stride up to a whole number of vertex words.
func New(name string, attrs ...Attribute) (*Format, error) {
	offset := 0
	laid := make([]Attribute, len(attrs))
	for i, a := range attrs {
		a.Offset = offset
		offset += a.Size()
		laid[i] = a
	}
	stride := (offset + WordSize - 1) / WordSize * WordSize

	f := &Format{name: name, stride: stride, attributes: laid}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustNew is like New but panics on error. Intended for package-level formats.
func MustNew(name string, attrs ...Attribute) *Format {
	f, err := New(name, attrs...)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate checks the stride and attribute bounds.
func (f *Format) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFormat)
	}
	if f.stride <= 0 || f.stride%WordSize != 0 {
		return fmt.Errorf("%w: %q stride %d is not a positive multiple of %d", ErrInvalidFormat, f.name, f.stride, WordSize)
	}
	for _, a := range f.attributes {
		if a.Components <= 0 || a.Components > 4 {
			return fmt.Errorf("%w: %q attribute %q has %d components", ErrInvalidFormat, f.name, a.Name, a.Components)
		}
		if a.Offset < 0 || a.Offset+a.Size() > f.stride {
			return fmt.Errorf("%w: %q attribute %q exceeds stride", ErrInvalidFormat, f.name, a.Name)
		}
	}
	return nil
}

// Name returns the pipeline name.
func (f *Format) Name() string { return f.name }

// Stride returns the byte size of one vertex record.
func (f *Format) Stride() int { return f.stride }

// WordsPerVertex returns the number of raw vertex words per record.
func (f *Format) WordsPerVertex() int { return f.stride / WordSize }

// Attributes returns the attribute layout. The slice must not be modified.
func (f *Format) Attributes() []Attribute { return f.attributes }

// ByteCount returns the byte length of vertexCount records.
func (f *Format) ByteCount(vertexCount int) int { return vertexCount * f.stride }

func (f *Format) String() string {
	return fmt.Sprintf("%s(stride=%d)", f.name, f.stride)
}
