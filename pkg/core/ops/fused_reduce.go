package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FusedReduceName is the name of FusedReduceOp.
const FusedReduceName = "fused_reduce"

// FusedReduceOp computes its submodule, a fusion of a reduction with the pointwise operations around it.
//
// Its inputs are bound, in order, to the parameters of the submodule, and all have the same dimensions.
// Axes are the axes reduced by the fused reduction.
type FusedReduceOp struct {
	Axes []int
}

// FusedReduce creates a FusedReduceOp.
func FusedReduce(axes ...int) FusedReduceOp {
	return FusedReduceOp{Axes: slices.Clone(axes)}
}

func (op FusedReduceOp) Name() string { return FusedReduceName }

func (op FusedReduceOp) Attributes() ir.Attributes {
	return ir.Attributes{"axes": slices.Clone(op.Axes)}
}

// ReducedAxes returns the reduced axes.
func (op FusedReduceOp) ReducedAxes() []int { return slices.Clone(op.Axes) }

func (op FusedReduceOp) ComputeShape(inputs []shapes.Shape, submodules []*ir.Module) (shapes.Shape, error) {
	if len(submodules) != 1 {
		return shapes.Invalid(), errors.Errorf("%s requires exactly one submodule, got %d", op.Name(), len(submodules))
	}
	sm := submodules[0]
	outputs := sm.OutputShapes()
	if len(outputs) != 1 {
		return shapes.Invalid(), errors.Errorf("%s: submodule %q must return exactly one value, got %d",
			op.Name(), sm.Name(), len(outputs))
	}
	if numParams := len(sm.Parameters()); len(inputs) != numParams || len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s: got %d inputs for the %d parameters of submodule %q",
			op.Name(), len(inputs), numParams, sm.Name())
	}
	if err := checkSameDims(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkAxes(op.Name(), op.Axes, inputs[0].Rank()); err != nil {
		return shapes.Invalid(), err
	}
	dims := slices.Clone(inputs[0].Dimensions)
	if !slices.Equal(dims, outputs[0].Dimensions) {
		dims = reducedDims(dims, op.Axes)
	}
	return standardOf(outputs[0].DType, dims), nil
}

func (op FusedReduceOp) Compute(_ shapes.Shape, args []*tensors.Tensor, submodules []*ir.Module) (*tensors.Tensor, error) {
	sm := submodules[0]
	params := make(map[string]*tensors.Tensor, len(args))
	for i, name := range sm.ParameterNames() {
		params[name] = args[i]
	}
	results, err := sm.Evaluate(params)
	if err != nil {
		return nil, err
	}
	return results[0].Clone(), nil
}
