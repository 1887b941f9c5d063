package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// AllocateOp creates a new, uninitialized, buffer with the given shape.
type AllocateOp struct {
	Shape shapes.Shape
}

// AllocateName is the name of AllocateOp.
const AllocateName = "allocate"

// Allocate creates an AllocateOp.
func Allocate(shape shapes.Shape) AllocateOp { return AllocateOp{Shape: shape.Clone()} }

func (op AllocateOp) Name() string { return AllocateName }

func (op AllocateOp) Attributes() ir.Attributes {
	return ir.Attributes{"shape": op.Shape}
}

func (op AllocateOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	if !op.Shape.Ok() || op.Shape.IsTuple() {
		return shapes.Invalid(), errors.Errorf("allocate: invalid shape %s", op.Shape)
	}
	return op.Shape.Clone(), nil
}

func (op AllocateOp) Compute(output shapes.Shape, _ []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return tensors.New(output), nil
}

// CopyOp copies its first input (source) into its second input (destination), and returns the destination.
type CopyOp struct{}

// Copy creates a CopyOp.
func Copy() CopyOp { return CopyOp{} }

func (op CopyOp) Name() string                          { return "copy" }
func (op CopyOp) Attributes() ir.Attributes             { return nil }
func (op CopyOp) OutputAlias(inputs []shapes.Shape) int { return len(inputs) - 1 }

func (op CopyOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDims(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[1], nil
}

func (op CopyOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	if err := args[1].CopyFrom(args[0]); err != nil {
		return nil, err
	}
	return args[1], nil
}

// ContiguousOp copies its input to a standard (packed, row-major) layout.
type ContiguousOp struct{}

// Contiguous creates a ContiguousOp.
func Contiguous() ContiguousOp { return ContiguousOp{} }

func (op ContiguousOp) Name() string              { return "contiguous" }
func (op ContiguousOp) Attributes() ir.Attributes { return nil }
func (op ContiguousOp) Traits() ir.Trait          { return ir.TraitLayout }

func (op ContiguousOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func (op ContiguousOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return args[0].Clone(), nil
}

// ConcatOp concatenates its inputs along Axis. All inputs must have the same dtype and rank, and the same
// dimensions on the other axes.
type ConcatOp struct {
	Axis int
}

// ConcatName is the name of ConcatOp.
const ConcatName = "concat"

// Concat creates a ConcatOp.
func Concat(axis int) ConcatOp { return ConcatOp{Axis: axis} }

func (op ConcatOp) Name() string { return ConcatName }

func (op ConcatOp) Attributes() ir.Attributes {
	return ir.Attributes{"axis": op.Axis}
}

func (op ConcatOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.New("concat requires at least one input")
	}
	if err := checkSameDType(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	first := inputs[0]
	if op.Axis < 0 || op.Axis >= first.Rank() {
		return shapes.Invalid(), errors.Errorf("concat: axis %d out of range for %s", op.Axis, first)
	}
	dims := slices.Clone(first.Dimensions)
	dims[op.Axis] = 0
	for i, input := range inputs {
		if input.Rank() != first.Rank() {
			return shapes.Invalid(), errors.Errorf("concat: input #%d %s has a different rank than %s", i, input, first)
		}
		for axis, dim := range input.Dimensions {
			if axis != op.Axis && dim != first.Dimensions[axis] {
				return shapes.Invalid(), errors.Errorf("concat on axis %d: input #%d %s doesn't match %s on axis %d",
					op.Axis, i, input, first, axis)
			}
		}
		dims[op.Axis] += input.Dimensions[op.Axis]
	}
	return standardOf(first.DType, dims), nil
}

// Offsets returns the starting position, along the concatenation axis, of each input.
func (op ConcatOp) Offsets(inputs []shapes.Shape) []int {
	offsets := make([]int, len(inputs))
	position := 0
	for i, input := range inputs {
		offsets[i] = position
		position += input.Dimensions[op.Axis]
	}
	return offsets
}

func (op ConcatOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	result := tensors.New(output.Standard())
	if err := ConcatInto(result, op.Axis, args); err != nil {
		return nil, err
	}
	return result, nil
}

// ConcatInto writes the values of the inputs in consecutive slices of dst along axis. dst must have the
// concatenated dimensions, and any strides. It is used by destination-passing concatenation kernels.
func ConcatInto(dst *tensors.Tensor, axis int, inputs []*tensors.Tensor) error {
	position := 0
	for _, input := range inputs {
		size := input.Shape().Dimensions[axis]
		slice := Slice([]int{axis}, []int{position}, []int{position + size})
		view, err := computeView(slice, []*tensors.Tensor{dst})
		if err != nil {
			return err
		}
		if err := view.CopyFrom(input); err != nil {
			return err
		}
		position += size
	}
	return nil
}
