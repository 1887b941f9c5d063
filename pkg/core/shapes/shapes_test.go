// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.False(t, shape0.IsTuple())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, []int{6, 2, 1}, shape1.Strides)
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.True(t, shape1.IsStandard())

	// One element of higher rank is still a scalar.
	require.True(t, Make(dtypes.Float32, 1, 1).IsScalar())

	tuple := MakeTuple(shape0, shape1)
	require.True(t, tuple.IsTuple())
	require.Equal(t, 2, tuple.TupleSize())
	require.Equal(t, "Tuple<(Float64), (Float32)[4 3 2]>", tuple.String())
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestStrides(t *testing.T) {
	require.Equal(t, []int{12, 4, 1}, StandardStrides([]int{2, 3, 4}))
	require.Equal(t, []int{2, 2, 1}, StandardStrides([]int{3, 1, 2}))

	transposed := FromPermutation(dtypes.Float32, []int{2, 3, 4}, []int{0, 2, 1})
	require.Equal(t, []int{12, 1, 3}, transposed.Strides)
	assert.True(t, transposed.IsTransposed())
	assert.True(t, transposed.IsPacked())
	assert.False(t, transposed.IsStandard())
	assert.True(t, transposed.Standard().IsStandard())
	assert.False(t, transposed.Equal(transposed.Standard()))
	assert.True(t, transposed.EqualDimensions(transposed.Standard()))

	broadcast := MakeStrided(dtypes.Float32, []int{4, 3}, []int{0, 1})
	assert.True(t, broadcast.IsBroadcasted())
	assert.False(t, broadcast.IsPacked())
	assert.Equal(t, 3, broadcast.ElementSpace())

	// Slice of axis 1 of a [1 10 8 8] buffer is packed, a slice of axis 2 is not.
	buffer := Make(dtypes.Float32, 1, 10, 8, 8)
	sliced := MakeStrided(dtypes.Float32, []int{1, 3, 8, 8}, buffer.Strides)
	assert.True(t, sliced.IsPacked())
	sliced = MakeStrided(dtypes.Float32, []int{1, 10, 4, 8}, buffer.Strides)
	assert.False(t, sliced.IsPacked())
	assert.Equal(t, 64*9+8*3+7+1, sliced.ElementSpace())
	assert.Equal(t, "(Float32)[1 10 4 8]{strides=[640 64 8 1]}", sliced.String())
	assert.Equal(t, 64+2*8+3, sliced.Index([]int{0, 1, 2, 3}))
}

func TestDynamic(t *testing.T) {
	s := MakeDynamic(dtypes.Float16, DynamicDimension{1, 4}, DynamicDimension{3, 3})
	require.True(t, s.IsDynamic())
	require.Equal(t, []int{4, 3}, s.Dimensions)
	require.Equal(t, "(Float16)[{1..4} 3]", s.String())
	require.False(t, s.Equal(Make(dtypes.Float16, 4, 3)))
	require.False(t, MakeDynamic(dtypes.Float16, DynamicDimension{3, 3}).IsDynamic())
}

func TestCheckDims(t *testing.T) {
	s := Make(dtypes.Int8, 2, 3)
	require.NoError(t, s.CheckDims(2, -1))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.CheckDims(2, 4))
	require.Equal(t, dtypes.Int32, s.WithDType(dtypes.Int32).DType)
	require.Equal(t, dtypes.Int8, s.DType)
}
