package shapes

import (
	"slices"
	"testing"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape_Iter(t *testing.T) {
	// There is only one value to iterate:
	shape := Make(dtypes.F32, 1, 1, 1, 1)
	collect := make([][]int, 0, shape.Size())
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, 0, flatIdx) // There should only be one flatIdx, equal to 0.
	}
	require.Equal(t, [][]int{{0, 0, 0, 0}}, collect)

	// All axes are "spatial" (dim > 1)
	shape = Make(dtypes.F64, 3, 2)
	collect = make([][]int, 0, shape.Size())
	var counter int
	for flatIdx, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
		require.Equal(t, counter, flatIdx)
		counter++
	}
	require.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, collect)

	// With only 2 spatial axes.
	shape = Make(dtypes.BF16, 3, 1, 2, 1)
	collect = make([][]int, 0, shape.Size())
	for _, indices := range shape.Iter() {
		collect = append(collect, slices.Clone(indices))
	}
	want := [][]int{
		{0, 0, 0, 0},
		{0, 0, 1, 0},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
		{2, 0, 0, 0},
		{2, 0, 1, 0},
	}
	require.Equal(t, want, collect)

	// Scalar.
	count := 0
	for range Make(dtypes.Int8).Iter() {
		count++
	}
	require.Equal(t, 1, count)
}

func TestShape_IterOffsets(t *testing.T) {
	// Transposed view of a [2 3] matrix.
	shape := FromPermutation(dtypes.F32, []int{2, 3}, []int{1, 0})
	require.Equal(t, []int{1, 2}, shape.Strides)
	var offsets []int
	for _, offset := range shape.IterOffsets() {
		offsets = append(offsets, offset)
	}
	require.Equal(t, []int{0, 2, 4, 1, 3, 5}, offsets)

	// Broadcast axis repeats offsets.
	shape = MakeStrided(dtypes.F32, []int{2, 3}, []int{0, 1})
	offsets = offsets[:0]
	for _, offset := range shape.IterOffsets() {
		offsets = append(offsets, offset)
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, offsets)

	// Stop early.
	for counter := range shape.IterOffsets() {
		if counter == 2 {
			break
		}
	}
}
