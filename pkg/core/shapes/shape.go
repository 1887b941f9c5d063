// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions, strides and DType) of the value produced by an
// instruction, or of a concrete tensor.
//
// Unlike a pure computation-graph shape, it also carries the memory layout: strides (in elements,
// not bytes) for each axis. Layout-only operators (transpose, broadcast, slice) produce "views"
// whose strides are not the standard row-major ones, and the optimization passes reason about them
// (e.g.: whether a slice of a buffer is packed).
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: is the index of a dimension on a multidimensional Tensor. Sometimes used
//     interchangeably with Dimension, but here we try to refer to a dimension index as "axis"
//     (plural axes), and its size as its dimension.
//   - Dimension: the size of a multi-dimensions Tensor in one of its axes.
//   - Stride: the distance, in elements, between two consecutive indices of an axis.
//     A stride of 0 means the axis is broadcast.
//   - Standard: the shape is packed and strides are row-major.
//   - Packed: the element space (the span of memory addressed) is the same as the number of elements.
//   - Dynamic: some dimension is a range (min/max) and not a fixed value.
//   - Scalar: a shape with exactly one element.
//
// Example: The multi-dimensional array `[][]int32{{0, 1, 2}, {3, 4, 5}}` would have shape
// `(Int32)[2 3]` with strides `[3 1]`. Its transposed view has shape `(Int32)[3 2]` with strides `[1 3]`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DynamicDimension is the range of values a dynamic axis can take.
type DynamicDimension struct {
	Min, Max int
}

// IsFixed returns whether the range holds only one value.
func (d DynamicDimension) IsFixed() bool { return d.Min == d.Max }

// String implements fmt.Stringer.
func (d DynamicDimension) String() string {
	if d.IsFixed() {
		return fmt.Sprintf("%d", d.Min)
	}
	return fmt.Sprintf("{%d..%d}", d.Min, d.Max)
}

// Shape represents the shape of either a Tensor or the expected shape
// of the value produced by an instruction.
//
// Use Make to create a new shape. Shapes are values: they are compared structurally with Equal.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// Strides for each axis, in number of elements. Always the same length as Dimensions.
	Strides []int

	// DynamicDimensions is set only for dynamic shapes, in which case Dimensions holds the maximum
	// value of each axis.
	DynamicDimensions []DynamicDimension

	TupleShapes []Shape // Shapes of the tuple, if this is a tuple.
}

// Make returns a Shape with standard (row-major, packed) strides.
// See MakeTuple for tuple shapes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s, %v): cannot create a shape with a negative dimension", dtype, dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: StandardStrides(dimensions)}
}

// MakeStrided returns a Shape with the given strides.
func MakeStrided(dtype dtypes.DType, dimensions, strides []int) Shape {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.MakeStrided(%s, %v, %v): dimensions and strides have different lengths",
			dtype, dimensions, strides)
	}
	for axis, dim := range dimensions {
		if dim < 0 || strides[axis] < 0 {
			exceptions.Panicf("shapes.MakeStrided(%s, %v, %v): dimensions and strides must be >= 0",
				dtype, dimensions, strides)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: slices.Clone(strides)}
}

// MakeDynamic returns a dynamic shape, where each axis is given by a range. Fixed axes have Min == Max.
func MakeDynamic(dtype dtypes.DType, ranges ...DynamicDimension) Shape {
	dims := make([]int, len(ranges))
	for axis, r := range ranges {
		if r.Min < 0 || r.Max < r.Min {
			exceptions.Panicf("shapes.MakeDynamic(%s, %v): invalid range for axis %d", dtype, ranges, axis)
		}
		dims[axis] = r.Max
	}
	s := Make(dtype, dims...)
	s.DynamicDimensions = slices.Clone(ranges)
	return s
}

// MakeTuple returns a shape representing a tuple of elements with the given shapes.
func MakeTuple(elements ...Shape) Shape {
	return Shape{DType: dtypes.Tuple, TupleShapes: slices.Clone(elements)}
}

// FromPermutation returns the standard shape of the permuted dimensions, transposed back by perm: the
// result has the given dimensions but the memory layout of the axes ordered by perm.
//
// E.g.: FromPermutation(F32, [2 3], [1 0]) returns a column-major (Float32)[2 3].
func FromPermutation(dtype dtypes.DType, dimensions []int, perm []int) Shape {
	if len(perm) != len(dimensions) {
		exceptions.Panicf("shapes.FromPermutation(%v, %v): permutation has a different rank", dimensions, perm)
	}
	permutedDims := make([]int, len(perm))
	for i, axis := range perm {
		permutedDims[i] = dimensions[axis]
	}
	permutedStrides := StandardStrides(permutedDims)
	strides := make([]int, len(perm))
	for i, axis := range perm {
		strides[axis] = permutedStrides[i]
	}
	return MakeStrided(dtype, dimensions, strides)
}

// StandardStrides returns the row-major strides for the given dimensions.
func StandardStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	current := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = current
		current *= max(dimensions[axis], 1)
	}
	return strides
}

// Scalar returns a scalar (rank 0) shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Make(dtype)
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool { return s.DType == dtypes.Tuple }

// TupleSize returns the number of elements in the tuple, if it is a tuple.
func (s Shape) TupleSize() int { return len(s.TupleShapes) }

// IsScalar returns whether the shape holds exactly one element.
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Size() == 1 }

// IsDynamic returns whether any dimension is a range and not a fixed value.
func (s Shape) IsDynamic() bool {
	for _, d := range s.DynamicDimensions {
		if !d.IsFixed() {
			return true
		}
	}
	return false
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of the shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// ElementSpace returns the number of elements spanned in memory by the strided layout:
// the largest reachable offset plus one, or 0 for empty shapes.
func (s Shape) ElementSpace() int {
	if s.Size() == 0 {
		return 0
	}
	space := 1
	for axis, dim := range s.Dimensions {
		space += (dim - 1) * s.Strides[axis]
	}
	return space
}

// Memory returns the number of bytes needed by the elements of the shape: for strided views it's the
// memory of the element space.
func (s Shape) Memory() uintptr {
	if s.IsTuple() {
		var total uintptr
		for _, element := range s.TupleShapes {
			total += element.Memory()
		}
		return total
	}
	return s.DType.Memory() * uintptr(s.ElementSpace())
}

// IsBroadcasted returns whether some axis with dimension > 1 has stride 0.
func (s Shape) IsBroadcasted() bool {
	for axis, stride := range s.Strides {
		if stride == 0 && s.Dimensions[axis] > 1 {
			return true
		}
	}
	return false
}

// IsPacked returns whether the elements are laid out without gaps or repetitions.
func (s Shape) IsPacked() bool {
	return !s.IsBroadcasted() && s.ElementSpace() == s.Size()
}

// IsTransposed returns whether the strides of the non-trivial axes are not in decreasing order.
func (s Shape) IsTransposed() bool {
	previous := -1
	for axis, stride := range s.Strides {
		if s.Dimensions[axis] == 1 || stride == 0 {
			continue
		}
		if previous >= 0 && stride > previous {
			return true
		}
		previous = stride
	}
	return false
}

// IsStandard returns whether the shape is packed and row-major.
func (s Shape) IsStandard() bool {
	return s.IsPacked() && !s.IsTransposed()
}

// Standard returns the shape with the same dtype and dimensions, but standard strides.
func (s Shape) Standard() Shape {
	if s.IsTuple() {
		return s.Clone()
	}
	s2 := Make(s.DType, s.Dimensions...)
	s2.DynamicDimensions = slices.Clone(s.DynamicDimensions)
	return s2
}

// WithDType returns a copy of the shape with the dtype changed.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Index returns the storage offset, in elements, of the given multi-dimensional index.
func (s Shape) Index(indices []int) int {
	if len(indices) != s.Rank() {
		exceptions.Panicf("Shape.Index(%v): expected %d indices for shape %s", indices, s.Rank(), s)
	}
	offset := 0
	for axis, idx := range indices {
		offset += idx * s.Strides[axis]
	}
	return offset
}

// Equal compares two shapes for equality: dtype, dimensions, strides and dynamic ranges are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	if s.IsTuple() {
		return slices.EqualFunc(s.TupleShapes, s2.TupleShapes, func(a, b Shape) bool { return a.Equal(b) })
	}
	return slices.Equal(s.Dimensions, s2.Dimensions) &&
		slices.Equal(s.Strides, s2.Strides) &&
		slices.Equal(s.DynamicDimensions, s2.DynamicDimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. DTypes and strides can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.IsTuple() || s2.IsTuple() {
		return s.IsTuple() == s2.IsTuple() &&
			slices.EqualFunc(s.TupleShapes, s2.TupleShapes, func(a, b Shape) bool { return a.EqualDimensions(b) })
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.Strides = slices.Clone(s.Strides)
	s2.DynamicDimensions = slices.Clone(s.DynamicDimensions)
	if s.TupleSize() > 0 {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}

// CheckDims checks that the shape has the given dimensions and rank. A value of -1 in
// dimensions means it can take any value and is not checked.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for axis, wantDim := range dimensions {
		if wantDim != -1 && s.Dimensions[axis] != wantDim {
			return errors.Errorf("shape %s axis %d has dimension %d, wanted %d (shape wanted=%v)",
				s, axis, s.Dimensions[axis], wantDim, dimensions)
		}
	}
	return nil
}

// String implements stringer, pretty-prints the shape.
//
// Strides are only printed if they are not standard.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, tuple := range s.TupleShapes {
			parts = append(parts, tuple.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var dims string
	if len(s.DynamicDimensions) > 0 {
		parts := make([]string, len(s.DynamicDimensions))
		for axis, d := range s.DynamicDimensions {
			parts[axis] = d.String()
		}
		dims = "[" + strings.Join(parts, " ") + "]"
	} else {
		dims = fmt.Sprintf("%v", s.Dimensions)
	}
	if slices.Equal(s.Strides, StandardStrides(s.Dimensions)) {
		return fmt.Sprintf("(%s)%s", s.DType, dims)
	}
	return fmt.Sprintf("(%s)%s{strides=%v}", s.DType, dims, s.Strides)
}
