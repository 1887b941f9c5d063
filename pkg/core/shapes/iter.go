package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// Iter iterates sequentially (row-major order) over all possible indices of the given shape.
//
// It yields the flat element counter and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return s.IterOn(indices)
}

// IterOn iterates over all possible indices of the given shape, updating the given indices slice.
//
// It yields the flat element counter and the indices.
// During the iteration the caller shouldn't modify the slice of indices, otherwise it will lead to undefined behavior.
//
// It expects len(indices) == s.Rank(). It will panic otherwise.
func (s Shape) IterOn(indices []int) iter.Seq2[int, []int] {
	if len(indices) != s.Rank() {
		panic(errors.Errorf("Shape.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), s.Rank()))
	}
	return func(yield func(int, []int) bool) {
		for counter := range s.iterate(indices) {
			if !yield(counter, indices) {
				return
			}
		}
	}
}

// IterOffsets iterates over all elements of the shape in row-major order, yielding the flat element
// counter and the storage offset of the element, as given by the shape strides.
func (s Shape) IterOffsets() iter.Seq2[int, int] {
	return s.iterate(make([]int, s.Rank()))
}

// iterate is an N-dimensional counter over the non-trivial axes (dimension > 1) of the shape,
// incrementally tracking the storage offset.
func (s Shape) iterate(indices []int) iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		if !s.Ok() || s.IsTuple() {
			return // Iteration completed (vacuously true as no items were yielded)
		}
		for i := range indices {
			indices[i] = 0
		}
		spatialAxes := make([]int, 0, s.Rank())
		for axis := s.Rank() - 1; axis >= 0; axis-- {
			dim := s.Dimensions[axis]
			if dim == 0 {
				return
			}
			if dim > 1 {
				spatialAxes = append(spatialAxes, axis)
			}
		}

		counter, offset := 0, 0
	yielder:
		for {
			if !yield(counter, offset) {
				return // Consumer requested to stop iteration.
			}
			counter++

			// Last axis changes fastest.
			for _, axis := range spatialAxes {
				indices[axis]++
				offset += s.Strides[axis]
				if indices[axis] < s.Dimensions[axis] {
					continue yielder
				}
				// Carry-over to the next higher-order axis.
				offset -= indices[axis] * s.Strides[axis]
				indices[axis] = 0
			}

			// That was the last index.
			break
		}
	}
}
