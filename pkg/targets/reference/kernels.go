package reference

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/gomlx/graphopt/pkg/targets"
	"github.com/pkg/errors"
)

// KernelPrefix is the prefix of the names of the reference kernels.
const KernelPrefix = "ref::"

// KernelOp is a destination-passing kernel: it computes Base over all its inputs but the last, and writes
// the result into the buffer given as its last input, which it returns.
//
// The buffer may have any strides, so kernels can write directly into slices of a larger buffer.
type KernelOp struct {
	Base ir.Operator
}

// Kernel creates the destination-passing kernel of the base operator.
func Kernel(base ir.Operator) KernelOp { return KernelOp{Base: base} }

func (op KernelOp) Name() string              { return KernelPrefix + op.Base.Name() }
func (op KernelOp) Attributes() ir.Attributes { return op.Base.Attributes() }

// OutputAlias is the last input, the output buffer.
func (op KernelOp) OutputAlias(inputs []shapes.Shape) int { return len(inputs) - 1 }

func (op KernelOp) ComputeShape(inputs []shapes.Shape, submodules []*ir.Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires the output buffer as its last input", op.Name())
	}
	buffer := inputs[len(inputs)-1]
	output, err := op.Base.ComputeShape(inputs[:len(inputs)-1], submodules)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "kernel %s", op.Name())
	}
	if output.DType != buffer.DType || !slices.Equal(output.Dimensions, buffer.Dimensions) {
		return shapes.Invalid(), errors.Errorf("%s computes %s, but its output buffer is %s", op.Name(), output, buffer)
	}
	return buffer, nil
}

func (op KernelOp) Compute(_ shapes.Shape, args []*tensors.Tensor, submodules []*ir.Module) (*tensors.Tensor, error) {
	dst := args[len(args)-1]
	args = args[:len(args)-1]
	if concat, ok := op.Base.(ops.ConcatOp); ok {
		if err := ops.ConcatInto(dst, concat.Axis, args); err != nil {
			return nil, err
		}
		return dst, nil
	}
	evaluator, ok := op.Base.(ir.Evaluator)
	if !ok {
		return nil, errors.Errorf("%s: operator %q can't be evaluated", op.Name(), op.Base.Name())
	}
	result, err := evaluator.Compute(dst.Shape().Standard(), args, submodules)
	if err != nil {
		return nil, err
	}
	if err := dst.CopyFrom(result); err != nil {
		return nil, errors.WithMessagef(err, "%s: writing to the output buffer", op.Name())
	}
	return dst, nil
}

// allocationModel of the reference target: the generic allocate and copy operators.
type allocationModel struct{}

func (allocationModel) Name() string                            { return ops.AllocateName }
func (allocationModel) Copy() string                            { return "copy" }
func (allocationModel) Allocate(shape shapes.Shape) ir.Operator { return ops.Allocate(shape) }
func (allocationModel) MakeCopy() ir.Operator                   { return ops.Copy() }

// concatOptimization recognizes the reference concat kernel.
type concatOptimization struct {
	nonPackedOutput bool
}

func (concatOptimization) Allocation() targets.AllocationModel { return allocationModel{} }

func (concatOptimization) ConcatAxis(op ir.Operator) (int, bool) {
	kernel, ok := op.(KernelOp)
	if !ok {
		return 0, false
	}
	concat, ok := kernel.Base.(ops.ConcatOp)
	return concat.Axis, ok
}

// SupportsNonPackedOutput is true for the reference kernels, unless disabled by the target options.
func (c concatOptimization) SupportsNonPackedOutput(ins *ir.Instruction) bool {
	_, isKernel := ins.Operator().(KernelOp)
	return isKernel && c.nonPackedOutput
}
