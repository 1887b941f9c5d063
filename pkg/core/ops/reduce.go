package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// reduceFns maps the names of the reductions to the functions that reduce a group of values.
var reduceFns = map[string]func(values []float64) float64{
	"reduce_sum":  floats.Sum,
	"reduce_mean": func(values []float64) float64 { return floats.Sum(values) / float64(len(values)) },
	"reduce_max":  floats.Max,
	"reduce_min":  floats.Min,
	"reduce_prod": floats.Prod,
}

// IsReduce returns whether name is one of the reduction operators.
func IsReduce(name string) bool {
	_, found := reduceFns[name]
	return found
}

// ReduceOp reduces the given Axes of its input. The reduced axes are kept with dimension 1.
type ReduceOp struct {
	OpName string
	Axes   []int
}

// Reduce returns the reduction with the given name over axes. It panics if there is no such reduction.
func Reduce(name string, axes ...int) ReduceOp {
	if !IsReduce(name) {
		panic(errors.Errorf("unknown reduction %q", name))
	}
	return ReduceOp{OpName: name, Axes: slices.Clone(axes)}
}

// ReduceSum sums the values over the axes.
func ReduceSum(axes ...int) ReduceOp { return Reduce("reduce_sum", axes...) }

// ReduceMean averages the values over the axes.
func ReduceMean(axes ...int) ReduceOp { return Reduce("reduce_mean", axes...) }

// ReduceMax takes the largest value over the axes.
func ReduceMax(axes ...int) ReduceOp { return Reduce("reduce_max", axes...) }

// ReduceMin takes the smallest value over the axes.
func ReduceMin(axes ...int) ReduceOp { return Reduce("reduce_min", axes...) }

// ReduceProd multiplies the values over the axes.
func ReduceProd(axes ...int) ReduceOp { return Reduce("reduce_prod", axes...) }

func (op ReduceOp) Name() string { return op.OpName }

func (op ReduceOp) Attributes() ir.Attributes {
	return ir.Attributes{"axes": slices.Clone(op.Axes)}
}

func (op ReduceOp) Traits() ir.Trait { return ir.TraitReduce }

// ReducedAxes returns the reduced axes.
func (op ReduceOp) ReducedAxes() []int { return slices.Clone(op.Axes) }

func (op ReduceOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.OpName, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	if err := checkAxes(op.OpName, op.Axes, input.Rank()); err != nil {
		return shapes.Invalid(), err
	}
	return standardOf(input.DType, reducedDims(input.Dimensions, op.Axes)), nil
}

// reducedDims returns dims with the given axes set to 1.
func reducedDims(dims, axes []int) []int {
	reduced := slices.Clone(dims)
	for _, axis := range axes {
		reduced[axis] = 1
	}
	return reduced
}

func (op ReduceOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	input := args[0]
	output = output.Standard()
	groups := make([][]float64, output.Size())
	values := input.Flat()
	outIndices := make([]int, output.Rank())
	for counter, indices := range input.Shape().Standard().Iter() {
		copy(outIndices, indices)
		for _, axis := range op.Axes {
			outIndices[axis] = 0
		}
		group := output.Index(outIndices)
		groups[group] = append(groups[group], values[counter])
	}
	fn := reduceFns[op.OpName]
	results := make([]float64, len(groups))
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		results[i] = fn(group)
	}
	return tensors.FromShapeAndValues(output, results), nil
}
