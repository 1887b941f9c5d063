// Package tensors implement a `Tensor`, a strided multidimensional array of values used for constants
// (literals) and by the reference interpreter.
//
// Tensors are defined by their shape (a data type, its axes' dimensions and strides) and a storage
// buffer. Values are kept as float64 internally, but always rounded to the tensor's dtype when written,
// so arithmetic is faithful to the declared element type.
//
// Tensors created with View share the storage of the tensor they were created from: writing to a view
// writes to the original tensor. That's how the interpreter models buffer aliasing (slices of an
// allocation, transposed or broadcast views).
//
// There are various ways to construct a Tensor:
//
//   - New(shape): zero-initialized tensor with the given shape.
//   - FromFlat[T](dtype, data, dimensions...): sets the row-major values given.
//   - FromScalar[T](dtype, value, dimensions...): all elements set to value.
//   - FromShapeAndValues(shape, values): like FromFlat, but with an arbitrary (strided) shape.
package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// Number represents the Go numeric types that can be used to build tensors.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor is a strided view over a storage buffer.
type Tensor struct {
	shape   shapes.Shape
	storage []float64
	offset  int
}

// New creates a zero-initialized tensor with the given shape. The storage holds the element space of
// the shape, so strided shapes (e.g. a broadcast) only allocate what they address.
func New(shape shapes.Shape) *Tensor {
	if !shape.Ok() || shape.IsTuple() {
		exceptions.Panicf("tensors.New(%s): invalid shape for a tensor", shape)
	}
	return &Tensor{shape: shape.Clone(), storage: make([]float64, shape.ElementSpace())}
}

// FromShapeAndValues creates a tensor with the given shape, and sets its elements, in row-major order,
// to the given values, rounded to the shape's dtype.
func FromShapeAndValues(shape shapes.Shape, values []float64) *Tensor {
	if len(values) != shape.Size() {
		exceptions.Panicf("tensors.FromShapeAndValues(%s): got %d values, wanted %d", shape, len(values), shape.Size())
	}
	t := New(shape)
	for counter, offset := range shape.IterOffsets() {
		t.storage[offset] = shape.DType.Round(values[counter])
	}
	return t
}

// FromFlat creates a tensor of the given dtype and dimensions with the row-major flat values.
func FromFlat[T Number](dtype dtypes.DType, flat []T, dimensions ...int) *Tensor {
	values := make([]float64, len(flat))
	for i, v := range flat {
		values[i] = float64(v)
	}
	return FromShapeAndValues(shapes.Make(dtype, dimensions...), values)
}

// FromScalar creates a tensor of the given dtype and dimensions, with all elements set to value.
func FromScalar[T Number](dtype dtypes.DType, value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtype, dimensions...)
	values := make([]float64, shape.Size())
	for i := range values {
		values[i] = float64(value)
	}
	return FromShapeAndValues(shape, values)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.storage[t.offset+t.shape.Index(indices)]
}

// Set sets the element at the given indices, rounding it to the tensor's dtype.
func (t *Tensor) Set(value float64, indices ...int) {
	t.storage[t.offset+t.shape.Index(indices)] = t.shape.DType.Round(value)
}

// Flat returns a copy of the elements in row-major (logical) order.
func (t *Tensor) Flat() []float64 {
	flat := make([]float64, t.shape.Size())
	for counter, offset := range t.shape.IterOffsets() {
		flat[counter] = t.storage[t.offset+offset]
	}
	return flat
}

// Value returns the only value of a tensor with one element.
func (t *Tensor) Value() float64 {
	if t.shape.Size() != 1 {
		exceptions.Panicf("Tensor.Value() called on a tensor with shape %s", t.shape)
	}
	return t.storage[t.offset]
}

// View returns a tensor sharing the storage of t, starting at the given element offset relative to t,
// with the given (usually strided) shape.
//
// It returns an error if the view addresses elements outside the storage.
func (t *Tensor) View(shape shapes.Shape, offset int) (*Tensor, error) {
	if shape.DType != t.shape.DType {
		return nil, errors.Errorf("view of tensor %s cannot change dtype to %s", t.shape, shape.DType)
	}
	start := t.offset + offset
	if start < 0 || start+shape.ElementSpace() > len(t.storage) {
		return nil, errors.Errorf("view %s at offset %d addresses elements out of the storage of tensor %s",
			shape, offset, t.shape)
	}
	return &Tensor{shape: shape.Clone(), storage: t.storage, offset: start}, nil
}

// SharesStorage returns whether both tensors address the same storage buffer.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return len(t.storage) > 0 && len(other.storage) > 0 && &t.storage[0] == &other.storage[0]
}

// CopyFrom writes the values of src, in logical order, into t. Both must have the same dimensions;
// values are rounded to t's dtype.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !slices.Equal(t.shape.Dimensions, src.shape.Dimensions) {
		return errors.Errorf("cannot copy tensor %s into tensor %s: dimensions differ", src.shape, t.shape)
	}
	values := src.Flat()
	for counter, offset := range t.shape.IterOffsets() {
		t.storage[t.offset+offset] = t.shape.DType.Round(values[counter])
	}
	return nil
}

// Clone returns a copy of t with standard strides and its own storage.
func (t *Tensor) Clone() *Tensor {
	return FromShapeAndValues(t.shape.Standard(), t.Flat())
}

// Convert returns a new tensor with the values of t cast to dtype.
func (t *Tensor) Convert(dtype dtypes.DType) *Tensor {
	values := t.Flat()
	for i, v := range values {
		values[i] = dtype.Cast(v)
	}
	return FromShapeAndValues(t.shape.Standard().WithDType(dtype), values)
}

// Map returns a new standard tensor with fn applied to every element, and the result rounded to dtype.
func (t *Tensor) Map(dtype dtypes.DType, fn func(float64) float64) *Tensor {
	values := t.Flat()
	for i, v := range values {
		values[i] = fn(v)
	}
	return FromShapeAndValues(t.shape.Standard().WithDType(dtype), values)
}

// AllEqual returns whether all elements are equal to value.
func (t *Tensor) AllEqual(value float64) bool {
	for _, offset := range t.shape.IterOffsets() {
		if t.storage[t.offset+offset] != value {
			return false
		}
	}
	return true
}

// Equal returns whether both tensors have the same dtype, dimensions and values.
// NaNs compare equal to NaNs. Strides are not compared.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.shape.DType != other.shape.DType || !slices.Equal(t.shape.Dimensions, other.shape.Dimensions) {
		return false
	}
	return floats.Same(t.Flat(), other.Flat())
}

// ValueEqual returns whether the values of both tensors are the same, ignoring dtypes.
func (t *Tensor) ValueEqual(other *Tensor) bool {
	return slices.Equal(t.shape.Dimensions, other.shape.Dimensions) && floats.Same(t.Flat(), other.Flat())
}
