// Package tensor implements the dense n-dimensional arrays exchanged between
// the input pipeline, the backend engines and the output decoders.
//
// A Tensor is an immutable value: constructors copy their input and accessors
// return copies, so a tensor can be shared between stages. Data is stored as
// a little-endian byte buffer in row-major order.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is the element type of a tensor.
type DType string

const (
	Float32 DType = "float32"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
)

// Size returns the byte width of one element, or 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// ParseDType parses a dtype name. The empty string defaults to float32.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return Float32, nil
	case Float32, Int32, Int64, Uint8:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dtype %q", s)
	}
}

// Shape is a list of dimension sizes. A negative size marks a dynamic
// dimension and is only valid inside a TensorSpec.
type Shape []int64

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether both shapes have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func (s Shape) clone() Shape {
	return append(Shape(nil), s...)
}

// Tensor is a dense row-major array.
type Tensor struct {
	dtype DType
	shape Shape
	data  []byte
}

// New builds a tensor from raw little-endian bytes.
func New(dtype DType, shape Shape, data []byte) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %s", shape)
		}
	}
	if want := shape.NumElements() * int64(dtype.Size()); int64(len(data)) != want {
		return nil, fmt.Errorf("shape %s of %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	return &Tensor{dtype: dtype, shape: shape.clone(), data: bytes.Clone(data)}, nil
}

// Zeros returns a zero-filled tensor.
func Zeros(dtype DType, shape Shape) (*Tensor, error) {
	return New(dtype, shape, make([]byte, shape.NumElements()*int64(dtype.Size())))
}

// FromFloat32 builds a float32 tensor.
func FromFloat32(shape Shape, values []float32) (*Tensor, error) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return New(Float32, shape, buf)
}

// FromInt64 builds an int64 tensor.
func FromInt64(shape Shape, values []int64) (*Tensor, error) {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	return New(Int64, shape, buf)
}

// FromInt32 builds an int32 tensor.
func FromInt32(shape Shape, values []int32) (*Tensor, error) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return New(Int32, shape, buf)
}

// FromUint8 builds a uint8 tensor.
func FromUint8(shape Shape, values []uint8) (*Tensor, error) {
	return New(Uint8, shape, values)
}

// Must returns t and panics if err is non-nil.
func Must(t *Tensor, err error) *Tensor {
	if err != nil {
		panic(err)
	}
	return t
}

// MustFloat32 is FromFloat32 that panics on a size mismatch.
func MustFloat32(shape Shape, values []float32) *Tensor {
	t, err := FromFloat32(shape, values)
	if err != nil {
		panic(err)
	}
	return t
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the shape.
func (t *Tensor) Shape() Shape { return t.shape.clone() }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return int(t.shape.NumElements()) }

// Bytes returns a copy of the raw buffer.
func (t *Tensor) Bytes() []byte { return bytes.Clone(t.data) }

// Float32s returns the elements converted to float32.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	for i := range out {
		out[i] = float32(t.at(i))
	}
	return out
}

// Int64s returns the elements converted to int64. Floats are truncated.
func (t *Tensor) Int64s() []int64 {
	out := make([]int64, t.Len())
	for i := range out {
		out[i] = int64(t.at(i))
	}
	return out
}

func (t *Tensor) at(i int) float64 {
	switch t.dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(t.data[4*i:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(t.data[4*i:])))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(t.data[8*i:])))
	case Uint8:
		return float64(t.data[i])
	}
	return 0
}

// Cast converts the tensor to another dtype. Values outside the target range
// are saturated for uint8.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if dtype == t.dtype {
		return t, nil
	}
	switch dtype {
	case Float32:
		return FromFloat32(t.shape, t.Float32s())
	case Int64:
		return FromInt64(t.shape, t.Int64s())
	case Int32:
		v := make([]int32, t.Len())
		for i := range v {
			v[i] = int32(t.at(i))
		}
		return FromInt32(t.shape, v)
	case Uint8:
		v := make([]uint8, t.Len())
		for i := range v {
			v[i] = uint8(math.Max(0, math.Min(255, math.Round(t.at(i)))))
		}
		return FromUint8(t.shape, v)
	default:
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
}

// Reshape returns a tensor sharing no memory with t with the given shape.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != t.shape.NumElements() {
		return nil, fmt.Errorf("cannot reshape %s into %s", t.shape, shape)
	}
	return New(t.dtype, shape, t.data)
}

// Index returns the i-th slice along the leading axis.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if t.Rank() == 0 {
		return nil, fmt.Errorf("cannot index a scalar")
	}
	if i < 0 || int64(i) >= t.shape[0] {
		return nil, fmt.Errorf("index %d out of range for shape %s", i, t.shape)
	}
	inner := t.shape[1:]
	stride := int(inner.NumElements()) * t.dtype.Size()
	return New(t.dtype, inner, t.data[i*stride:(i+1)*stride])
}

// SqueezeLeading drops a leading dimension of size 1, if present.
func (t *Tensor) SqueezeLeading() *Tensor {
	if t.Rank() > 1 && t.shape[0] == 1 {
		return &Tensor{dtype: t.dtype, shape: t.shape[1:].clone(), data: t.data}
	}
	return t
}

// PadTo zero-pads t at the end of every axis up to shape.
func (t *Tensor) PadTo(shape Shape) (*Tensor, error) {
	if len(shape) != t.Rank() {
		return nil, fmt.Errorf("cannot pad %s to %s", t.shape, shape)
	}
	for i, d := range shape {
		if d < t.shape[i] {
			return nil, fmt.Errorf("cannot pad %s to %s", t.shape, shape)
		}
	}
	if shape.Equal(t.shape) {
		return t, nil
	}

	es := int64(t.dtype.Size())
	out := make([]byte, shape.NumElements()*es)
	rank := t.Rank()
	last := t.shape[rank-1]
	if t.Len() == 0 {
		return &Tensor{dtype: t.dtype, shape: shape.clone(), data: out}, nil
	}

	// Copy one innermost row at a time; idx walks the outer axes of t.
	idx := make([]int64, rank-1)
	rows := int64(t.Len()) / last
	for r := int64(0); r < rows; r++ {
		var off int64
		for d := 0; d < rank-1; d++ {
			off = off*shape[d] + idx[d]
		}
		off *= shape[rank-1]
		copy(out[off*es:], t.data[r*last*es:(r+1)*last*es])

		for d := rank - 2; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return &Tensor{dtype: t.dtype, shape: shape.clone(), data: out}, nil
}

// Equal reports bit-identical equality of dtype, shape and data.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.dtype == o.dtype && t.shape.Equal(o.shape) && bytes.Equal(t.data, o.data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s, %s)", t.dtype, t.shape)
}

// Stack joins tensors of identical dtype and shape along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	first := ts[0]
	buf := make([]byte, 0, len(first.data)*len(ts))
	for i, t := range ts {
		if t.dtype != first.dtype || !t.shape.Equal(first.shape) {
			return nil, fmt.Errorf("tensor %d is %s, want %s", i, t, first)
		}
		buf = append(buf, t.data...)
	}
	shape := append(Shape{int64(len(ts))}, first.shape...)
	return &Tensor{dtype: first.dtype, shape: shape, data: buf}, nil
}
