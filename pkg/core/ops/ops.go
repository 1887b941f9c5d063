// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the generic operator library of the IR: each operator is a small value type that
// implements ir.Operator (name, attributes and shape inference) and, where it makes sense, ir.Evaluator
// (reference semantics used for constant evaluation and tests), ir.OutputAliaser and ir.Traiter.
//
// Shape inference follows the broadcasting-free convention of compiled graphs: pointwise operators require
// all operands to have the same dimensions, and explicit broadcast/multibroadcast views are used to adapt
// shapes. Views (broadcast, multibroadcast, transpose, reshape, slice, identity) don't copy data: their output
// aliases their first input, with strides describing the new layout.
//
// Operators that materialize a result (pointwise, reductions, concat, contiguous, compute) produce standard
// (packed, row-major) shapes.
package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/pkg/errors"
)

// checkNumInputs returns an error if the number of inputs is not one of the accepted ones.
func checkNumInputs(name string, inputs []shapes.Shape, accepted ...int) error {
	if slices.Contains(accepted, len(inputs)) {
		return nil
	}
	if len(accepted) == 1 {
		return errors.Errorf("%s takes %d inputs, got %d", name, accepted[0], len(inputs))
	}
	return errors.Errorf("%s takes %v inputs, got %d", name, accepted, len(inputs))
}

// checkSameDims returns an error if the inputs don't all have the same dimensions.
func checkSameDims(name string, inputs []shapes.Shape) error {
	for i, input := range inputs[1:] {
		if !slices.Equal(input.Dimensions, inputs[0].Dimensions) {
			return errors.Errorf("%s requires all inputs to have the same dimensions, input #0 is %s and input #%d is %s",
				name, inputs[0], i+1, input)
		}
	}
	return nil
}

// checkSameDType returns an error if the inputs don't all have the same dtype.
func checkSameDType(name string, inputs []shapes.Shape) error {
	for i, input := range inputs[1:] {
		if input.DType != inputs[0].DType {
			return errors.Errorf("%s requires all inputs to have the same dtype, input #0 is %s and input #%d is %s",
				name, inputs[0], i+1, input)
		}
	}
	return nil
}

// checkAxes returns an error if some axis is out of range for the rank, or repeated.
func checkAxes(name string, axes []int, rank int) error {
	seen := make([]bool, rank)
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			return errors.Errorf("%s: axis %d out of range for rank %d", name, axis, rank)
		}
		if seen[axis] {
			return errors.Errorf("%s: axis %d repeated in %v", name, axis, axes)
		}
		seen[axis] = true
	}
	return nil
}

// standardOf returns a standard shape with the given dtype and dimensions.
func standardOf(dtype dtypes.DType, dims []int) shapes.Shape {
	return shapes.Make(dtype, dims...)
}
