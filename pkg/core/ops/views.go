package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// viewOp is implemented by the view operators: their output is a strided view of their first input.
type viewOp interface {
	ir.Operator
	viewOffset(input shapes.Shape) int
}

// computeView evaluates a view operator: it recomputes the view for the actual layout of the argument,
// and returns a tensor sharing its storage.
func computeView(op viewOp, args []*tensors.Tensor) (*tensors.Tensor, error) {
	inputs := make([]shapes.Shape, len(args))
	for i, arg := range args {
		inputs[i] = arg.Shape()
	}
	shape, err := op.ComputeShape(inputs, nil)
	if err != nil {
		return nil, err
	}
	return args[0].View(shape, op.viewOffset(inputs[0]))
}

// BroadcastOp broadcasts its input to OutLens, with the input axes mapped to the output axes starting at Axis.
// All other axes get stride 0.
type BroadcastOp struct {
	Axis    int
	OutLens []int
}

// Broadcast creates a BroadcastOp.
func Broadcast(axis int, outLens ...int) BroadcastOp {
	return BroadcastOp{Axis: axis, OutLens: slices.Clone(outLens)}
}

func (op BroadcastOp) Name() string { return "broadcast" }

func (op BroadcastOp) Attributes() ir.Attributes {
	return ir.Attributes{"axis": op.Axis, "out_lens": slices.Clone(op.OutLens)}
}

func (op BroadcastOp) Traits() ir.Trait { return ir.TraitLayout }

func (op BroadcastOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op BroadcastOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	if op.Axis < 0 || op.Axis+input.Rank() > len(op.OutLens) {
		return shapes.Invalid(), errors.Errorf("broadcast of %s to %v at axis %d: axes out of range", input, op.OutLens, op.Axis)
	}
	strides := make([]int, len(op.OutLens))
	for i, dim := range input.Dimensions {
		if op.OutLens[op.Axis+i] != dim {
			return shapes.Invalid(), errors.Errorf("broadcast of %s to %v at axis %d: dimension of axis %d doesn't match",
				input, op.OutLens, op.Axis, i)
		}
		strides[op.Axis+i] = input.Strides[i]
	}
	return shapes.MakeStrided(input.DType, op.OutLens, strides), nil
}

func (op BroadcastOp) viewOffset(_ shapes.Shape) int { return 0 }

func (op BroadcastOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return computeView(op, args)
}

// MultiBroadcastOp broadcasts its input to OutLens following numpy rules: the input axes are aligned to the
// right of the output axes, and input axes of dimension 1 are broadcast.
type MultiBroadcastOp struct {
	OutLens []int
}

// MultiBroadcast creates a MultiBroadcastOp.
func MultiBroadcast(outLens ...int) MultiBroadcastOp {
	return MultiBroadcastOp{OutLens: slices.Clone(outLens)}
}

func (op MultiBroadcastOp) Name() string { return "multibroadcast" }

func (op MultiBroadcastOp) Attributes() ir.Attributes {
	return ir.Attributes{"out_lens": slices.Clone(op.OutLens)}
}

func (op MultiBroadcastOp) Traits() ir.Trait { return ir.TraitLayout }

func (op MultiBroadcastOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op MultiBroadcastOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	offset := len(op.OutLens) - input.Rank()
	if offset < 0 {
		return shapes.Invalid(), errors.Errorf("multibroadcast of %s to %v: input has higher rank", input, op.OutLens)
	}
	strides := make([]int, len(op.OutLens))
	for i, dim := range input.Dimensions {
		switch dim {
		case op.OutLens[offset+i]:
			strides[offset+i] = input.Strides[i]
		case 1:
			strides[offset+i] = 0
		default:
			return shapes.Invalid(), errors.Errorf("multibroadcast of %s to %v: axis %d is not broadcastable",
				input, op.OutLens, i)
		}
	}
	return shapes.MakeStrided(input.DType, op.OutLens, strides), nil
}

func (op MultiBroadcastOp) viewOffset(_ shapes.Shape) int { return 0 }

func (op MultiBroadcastOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return computeView(op, args)
}

// TransposeOp permutes the axes of its input: output axis i is the input axis Perm[i].
type TransposeOp struct {
	Perm []int
}

// Transpose creates a TransposeOp.
func Transpose(perm ...int) TransposeOp {
	return TransposeOp{Perm: slices.Clone(perm)}
}

func (op TransposeOp) Name() string { return "transpose" }

func (op TransposeOp) Attributes() ir.Attributes {
	return ir.Attributes{"permutation": slices.Clone(op.Perm)}
}

func (op TransposeOp) Traits() ir.Trait { return ir.TraitLayout }

func (op TransposeOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op TransposeOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	if len(op.Perm) != input.Rank() {
		return shapes.Invalid(), errors.Errorf("transpose of %s: permutation %v has the wrong length", input, op.Perm)
	}
	if err := checkAxes(op.Name(), op.Perm, input.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	dims := make([]int, len(op.Perm))
	strides := make([]int, len(op.Perm))
	for i, axis := range op.Perm {
		dims[i] = input.Dimensions[axis]
		strides[i] = input.Strides[axis]
	}
	return shapes.MakeStrided(input.DType, dims, strides), nil
}

func (op TransposeOp) viewOffset(_ shapes.Shape) int { return 0 }

func (op TransposeOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return computeView(op, args)
}

// ReshapeOp changes the dimensions of a standard input, keeping the number of elements.
type ReshapeOp struct {
	Dims []int
}

// Reshape creates a ReshapeOp.
func Reshape(dims ...int) ReshapeOp {
	return ReshapeOp{Dims: slices.Clone(dims)}
}

func (op ReshapeOp) Name() string { return "reshape" }

func (op ReshapeOp) Attributes() ir.Attributes {
	return ir.Attributes{"dims": slices.Clone(op.Dims)}
}

func (op ReshapeOp) Traits() ir.Trait { return ir.TraitLayout }

func (op ReshapeOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op ReshapeOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	output := standardOf(input.DType, op.Dims)
	if output.Size() != input.Size() {
		return shapes.Invalid(), errors.Errorf("reshape of %s to %v: number of elements differ", input, op.Dims)
	}
	if !input.IsStandard() {
		return shapes.Invalid(), errors.Errorf("reshape of %s: input must be standard, use contiguous first", input)
	}
	return output, nil
}

func (op ReshapeOp) viewOffset(_ shapes.Shape) int { return 0 }

func (op ReshapeOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return computeView(op, args)
}

// SliceOp takes the range [Starts[i], Ends[i]) of each of the given Axes. Other axes are kept whole.
type SliceOp struct {
	Axes, Starts, Ends []int
}

// Slice creates a SliceOp.
func Slice(axes, starts, ends []int) SliceOp {
	return SliceOp{Axes: slices.Clone(axes), Starts: slices.Clone(starts), Ends: slices.Clone(ends)}
}

func (op SliceOp) Name() string { return "slice" }

func (op SliceOp) Attributes() ir.Attributes {
	return ir.Attributes{"axes": slices.Clone(op.Axes), "starts": slices.Clone(op.Starts), "ends": slices.Clone(op.Ends)}
}

func (op SliceOp) Traits() ir.Trait { return ir.TraitLayout }

func (op SliceOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op SliceOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	if len(op.Starts) != len(op.Axes) || len(op.Ends) != len(op.Axes) {
		return shapes.Invalid(), errors.Errorf("slice: axes %v, starts %v and ends %v must have the same length",
			op.Axes, op.Starts, op.Ends)
	}
	if err := checkAxes(op.Name(), op.Axes, input.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	dims := slices.Clone(input.Dimensions)
	for i, axis := range op.Axes {
		start, end := op.Starts[i], op.Ends[i]
		if start < 0 || end < start || end > input.Dimensions[axis] {
			return shapes.Invalid(), errors.Errorf("slice of %s: invalid range [%d, %d) for axis %d", input, start, end, axis)
		}
		dims[axis] = end - start
	}
	return shapes.MakeStrided(input.DType, dims, input.Strides), nil
}

func (op SliceOp) viewOffset(input shapes.Shape) int {
	offset := 0
	for i, axis := range op.Axes {
		offset += op.Starts[i] * input.Strides[axis]
	}
	return offset
}

func (op SliceOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return computeView(op, args)
}

// IdentityOp returns its first input. Extra inputs are only dependencies: they are computed before it.
type IdentityOp struct{}

// Identity creates an IdentityOp.
func Identity() IdentityOp { return IdentityOp{} }

func (op IdentityOp) Name() string                     { return "identity" }
func (op IdentityOp) Attributes() ir.Attributes        { return nil }
func (op IdentityOp) OutputAlias(_ []shapes.Shape) int { return 0 }

func (op IdentityOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.New("identity requires at least one input")
	}
	return inputs[0], nil
}

func (op IdentityOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return args[0], nil
}
