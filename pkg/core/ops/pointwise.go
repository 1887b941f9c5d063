package ops

import (
	"math"
	"slices"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// unaryFns maps the names of the unary pointwise operators to their element functions.
var unaryFns = map[string]func(float64) float64{
	"relu":    func(x float64) float64 { return max(x, 0) },
	"neg":     func(x float64) float64 { return -x },
	"abs":     math.Abs,
	"exp":     math.Exp,
	"log":     math.Log,
	"sqrt":    math.Sqrt,
	"tanh":    math.Tanh,
	"sigmoid": func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
	"round":   math.RoundToEven,
	"floor":   math.Floor,
	"ceil":    math.Ceil,
	"recip":   func(x float64) float64 { return 1 / x },
}

// binaryFns maps the names of the binary pointwise operators to their element functions.
var binaryFns = map[string]func(x, y float64) float64{
	"add": func(x, y float64) float64 { return x + y },
	"sub": func(x, y float64) float64 { return x - y },
	"mul": func(x, y float64) float64 { return x * y },
	"div": func(x, y float64) float64 { return x / y },
	"max": math.Max,
	"min": math.Min,
	"pow": math.Pow,
}

// IsUnary returns whether name is a unary pointwise operator.
func IsUnary(name string) bool {
	_, found := unaryFns[name]
	return found
}

// IsBinary returns whether name is a binary pointwise operator.
func IsBinary(name string) bool {
	_, found := binaryFns[name]
	return found
}

// UnaryOp is a pointwise operator with one input.
type UnaryOp struct {
	OpName string
}

// Unary returns the unary pointwise operator with the given name. It panics if there is no such operator.
func Unary(name string) UnaryOp {
	if !IsUnary(name) {
		panic(errors.Errorf("unknown unary operator %q", name))
	}
	return UnaryOp{OpName: name}
}

// Relu returns max(x, 0).
func Relu() UnaryOp { return Unary("relu") }

// Neg returns -x.
func Neg() UnaryOp { return Unary("neg") }

// Abs returns |x|.
func Abs() UnaryOp { return Unary("abs") }

// Exp returns e^x.
func Exp() UnaryOp { return Unary("exp") }

// Log returns the natural logarithm of x.
func Log() UnaryOp { return Unary("log") }

// Sqrt returns the square root of x.
func Sqrt() UnaryOp { return Unary("sqrt") }

// Tanh returns the hyperbolic tangent of x.
func Tanh() UnaryOp { return Unary("tanh") }

// Sigmoid returns 1/(1+e^-x).
func Sigmoid() UnaryOp { return Unary("sigmoid") }

// Round rounds to the nearest integer, with ties to even.
func Round() UnaryOp { return Unary("round") }

// Floor rounds down.
func Floor() UnaryOp { return Unary("floor") }

// Ceil rounds up.
func Ceil() UnaryOp { return Unary("ceil") }

// Recip returns 1/x.
func Recip() UnaryOp { return Unary("recip") }

func (op UnaryOp) Name() string              { return op.OpName }
func (op UnaryOp) Attributes() ir.Attributes { return nil }
func (op UnaryOp) Traits() ir.Trait          { return ir.TraitPointwise }

func (op UnaryOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.OpName, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func (op UnaryOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	fn := unaryFns[op.OpName]
	return args[0].Map(output.DType, fn), nil
}

// BinaryOp is a pointwise operator with two inputs of the same shape.
type BinaryOp struct {
	OpName string
}

// Binary returns the binary pointwise operator with the given name. It panics if there is no such operator.
func Binary(name string) BinaryOp {
	if !IsBinary(name) {
		panic(errors.Errorf("unknown binary operator %q", name))
	}
	return BinaryOp{OpName: name}
}

// Add returns x+y.
func Add() BinaryOp { return Binary("add") }

// Sub returns x-y.
func Sub() BinaryOp { return Binary("sub") }

// Mul returns x*y.
func Mul() BinaryOp { return Binary("mul") }

// Div returns x/y.
func Div() BinaryOp { return Binary("div") }

// Max returns the largest of x and y.
func Max() BinaryOp { return Binary("max") }

// Min returns the smallest of x and y.
func Min() BinaryOp { return Binary("min") }

// Pow returns x^y.
func Pow() BinaryOp { return Binary("pow") }

func (op BinaryOp) Name() string              { return op.OpName }
func (op BinaryOp) Attributes() ir.Attributes { return nil }
func (op BinaryOp) Traits() ir.Trait          { return ir.TraitPointwise }

func (op BinaryOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.OpName, inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDims(op.OpName, inputs); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDType(op.OpName, inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func (op BinaryOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	fn := binaryFns[op.OpName]
	x, y := args[0].Flat(), args[1].Flat()
	result := make([]float64, len(x))
	for i := range x {
		result[i] = fn(x[i], y[i])
	}
	return tensors.FromShapeAndValues(output.Standard(), result), nil
}

// ClipOp clamps its first input to the range given by its second (min) and third (max) inputs, all of the same shape.
type ClipOp struct{}

// Clip creates a ClipOp.
func Clip() ClipOp { return ClipOp{} }

func (op ClipOp) Name() string              { return "clip" }
func (op ClipOp) Attributes() ir.Attributes { return nil }
func (op ClipOp) Traits() ir.Trait          { return ir.TraitPointwise }

func (op ClipOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 3); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDims(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDType(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func (op ClipOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	x, low, high := args[0].Flat(), args[1].Flat(), args[2].Flat()
	result := make([]float64, len(x))
	for i := range x {
		result[i] = min(max(x[i], low[i]), high[i])
	}
	return tensors.FromShapeAndValues(output.Standard(), result), nil
}

// ConvertOp converts its input to TargetType: floating point values are rounded to the target precision, and
// conversions to integers truncate and saturate.
type ConvertOp struct {
	TargetType dtypes.DType
}

// Convert creates a ConvertOp.
func Convert(dtype dtypes.DType) ConvertOp { return ConvertOp{TargetType: dtype} }

func (op ConvertOp) Name() string { return "convert" }

func (op ConvertOp) Attributes() ir.Attributes {
	return ir.Attributes{"target_type": op.TargetType}
}

func (op ConvertOp) Traits() ir.Trait { return ir.TraitPointwise }

func (op ConvertOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if !op.TargetType.IsNumber() && op.TargetType != dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("convert: invalid target type %s", op.TargetType)
	}
	return standardOf(op.TargetType, slices.Clone(inputs[0].Dimensions)), nil
}

func (op ConvertOp) Compute(_ shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	return args[0].Convert(op.TargetType), nil
}
