package ops

import (
	"math"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// QuantizeLinearName and DequantizeLinearName are the names of the quantization operators.
const (
	QuantizeLinearName   = "quantizelinear"
	DequantizeLinearName = "dequantizelinear"
)

// QuantizeLinearOp quantizes x with the given scale and optional zero point, all with the same dimensions:
//
//	q = saturate(round(x / scale) + zero_point)
//
// Rounding is to the nearest, ties to even, and the result saturates to the range of the output dtype, which
// is the dtype of the zero point, or Int8 if there is none.
type QuantizeLinearOp struct{}

// QuantizeLinear creates a QuantizeLinearOp.
func QuantizeLinear() QuantizeLinearOp { return QuantizeLinearOp{} }

func (op QuantizeLinearOp) Name() string              { return QuantizeLinearName }
func (op QuantizeLinearOp) Attributes() ir.Attributes { return nil }

func (op QuantizeLinearOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2, 3); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDims(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	x, scale := inputs[0], inputs[1]
	if !x.DType.IsFloat() || !scale.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s: input %s and scale %s must be floats", op.Name(), x, scale)
	}
	outputDType := dtypes.Int8
	if len(inputs) == 3 {
		outputDType = inputs[2].DType
		if !outputDType.IsInt() && !outputDType.IsFloat8() {
			return shapes.Invalid(), errors.Errorf("%s: zero point %s must be an integer or 8-bit float", op.Name(), inputs[2])
		}
	}
	return x.Standard().WithDType(outputDType), nil
}

func (op QuantizeLinearOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	x, scale := args[0].Flat(), args[1].Flat()
	var zeroPoint []float64
	if len(args) == 3 {
		zeroPoint = args[2].Flat()
	}
	dtype := output.DType
	results := make([]float64, len(x))
	for i := range x {
		q := x[i] / scale[i]
		if !dtype.IsFloat() {
			q = math.RoundToEven(q)
		}
		if zeroPoint != nil {
			q += zeroPoint[i]
		}
		results[i] = min(max(q, dtype.LowestValue()), dtype.HighestValue())
	}
	return tensors.FromShapeAndValues(output.Standard(), results), nil
}

// DequantizeLinearOp dequantizes x with the given scale and optional zero point, all with the same dimensions:
//
//	y = (x - zero_point) * scale
//
// The zero point must have the dtype of x, and the output has the dtype of the scale.
type DequantizeLinearOp struct{}

// DequantizeLinear creates a DequantizeLinearOp.
func DequantizeLinear() DequantizeLinearOp { return DequantizeLinearOp{} }

func (op DequantizeLinearOp) Name() string              { return DequantizeLinearName }
func (op DequantizeLinearOp) Attributes() ir.Attributes { return nil }

func (op DequantizeLinearOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2, 3); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDims(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	x, scale := inputs[0], inputs[1]
	if !scale.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s: scale %s must be a float", op.Name(), scale)
	}
	if len(inputs) == 3 && inputs[2].DType != x.DType {
		return shapes.Invalid(), errors.Errorf("%s: zero point %s must have the dtype of the input %s", op.Name(), inputs[2], x)
	}
	return x.Standard().WithDType(scale.DType), nil
}

func (op DequantizeLinearOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	x, scale := args[0].Flat(), args[1].Flat()
	var zeroPoint []float64
	if len(args) == 3 {
		zeroPoint = args[2].Flat()
	}
	results := make([]float64, len(x))
	for i := range x {
		v := x[i]
		if zeroPoint != nil {
			v -= zeroPoint[i]
		}
		results[i] = v * scale[i]
	}
	return tensors.FromShapeAndValues(output.Standard(), results), nil
}
