package ops

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// quantizedOutputDType returns the accumulation dtype of quantized compute operators: Int32 for 8-bit
// integers, and Float32 for 8-bit floats.
func quantizedOutputDType(name string, dtype dtypes.DType) (dtypes.DType, error) {
	switch {
	case dtype == dtypes.Int8 || dtype == dtypes.Uint8:
		return dtypes.Int32, nil
	case dtype.IsFloat8():
		return dtypes.Float32, nil
	}
	return dtypes.InvalidDType, errors.Errorf("%s: unsupported quantized dtype %s", name, dtype)
}

// ConvolutionOp is an N-dimensional convolution in channels-first layout: the input is shaped
// [batch, channels, spatial...] and the weights [outputChannels, channels/Group, kernel spatial...].
//
// Padding, Stride and Dilation have one value per spatial axis; if empty they default to 0, 1 and 1.
//
// If Quant is set, it is a quant_convolution: inputs are 8-bit, and the result is accumulated in Int32
// (for integers) or Float32 (for 8-bit floats).
type ConvolutionOp struct {
	Padding, Stride, Dilation []int
	Group                     int
	Quant                     bool
}

// Convolution returns a convolution with no padding, unit strides and dilations, and one group.
func Convolution() ConvolutionOp { return ConvolutionOp{Group: 1} }

// WithPadding returns a copy of the operator with the given padding, applied to both sides of each spatial axis.
func (op ConvolutionOp) WithPadding(padding ...int) ConvolutionOp {
	op.Padding = slices.Clone(padding)
	return op
}

// WithStride returns a copy of the operator with the given strides.
func (op ConvolutionOp) WithStride(stride ...int) ConvolutionOp {
	op.Stride = slices.Clone(stride)
	return op
}

// WithDilation returns a copy of the operator with the given dilations.
func (op ConvolutionOp) WithDilation(dilation ...int) ConvolutionOp {
	op.Dilation = slices.Clone(dilation)
	return op
}

// WithGroup returns a copy of the operator with the given number of groups.
func (op ConvolutionOp) WithGroup(group int) ConvolutionOp {
	op.Group = group
	return op
}

// Quantized returns the quant_convolution version of the operator, with the same configuration.
func (op ConvolutionOp) Quantized() ConvolutionOp {
	op.Quant = true
	return op
}

func (op ConvolutionOp) Name() string {
	if op.Quant {
		return "quant_convolution"
	}
	return "convolution"
}

func (op ConvolutionOp) Attributes() ir.Attributes {
	return ir.Attributes{
		"padding":  slices.Clone(op.Padding),
		"stride":   slices.Clone(op.Stride),
		"dilation": slices.Clone(op.Dilation),
		"group":    op.Group,
	}
}

// spatialParam returns the value of the parameter for the spatial axis, or the default if not set.
func spatialParam(values []int, axis, defaultValue int) int {
	if len(values) == 0 {
		return defaultValue
	}
	return values[axis]
}

func (op ConvolutionOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	name := op.Name()
	if err := checkNumInputs(name, inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	input, weights := inputs[0], inputs[1]
	if input.Rank() < 3 || input.Rank() != weights.Rank() {
		return shapes.Invalid(), errors.Errorf("%s: input %s and weights %s must have the same rank >= 3", name, input, weights)
	}
	if err := checkSameDType(name, inputs); err != nil {
		return shapes.Invalid(), err
	}
	outputDType := input.DType
	if op.Quant {
		var err error
		if outputDType, err = quantizedOutputDType(name, input.DType); err != nil {
			return shapes.Invalid(), err
		}
	} else if !input.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s: requires float inputs, got %s, use quant_convolution", name, input.DType)
	}
	numSpatial := input.Rank() - 2
	for _, param := range [][]int{op.Padding, op.Stride, op.Dilation} {
		if len(param) != 0 && len(param) != numSpatial {
			return shapes.Invalid(), errors.Errorf("%s: padding, stride and dilation must have %d values, got %v",
				name, numSpatial, op.Attributes())
		}
	}
	group := max(op.Group, 1)
	channels, outChannels := input.Dimensions[1], weights.Dimensions[0]
	if channels%group != 0 || outChannels%group != 0 || weights.Dimensions[1]*group != channels {
		return shapes.Invalid(), errors.Errorf("%s: input %s and weights %s don't match for %d groups", name, input, weights, group)
	}
	dims := make([]int, input.Rank())
	dims[0], dims[1] = input.Dimensions[0], outChannels
	for axis := range numSpatial {
		padding := spatialParam(op.Padding, axis, 0)
		stride := spatialParam(op.Stride, axis, 1)
		dilation := spatialParam(op.Dilation, axis, 1)
		if stride < 1 || dilation < 1 || padding < 0 {
			return shapes.Invalid(), errors.Errorf("%s: invalid configuration %v", name, op.Attributes())
		}
		window := dilation*(weights.Dimensions[axis+2]-1) + 1
		padded := input.Dimensions[axis+2] + 2*padding
		if padded < window {
			return shapes.Invalid(), errors.Errorf("%s: kernel %s larger than padded input %s", name, weights, input)
		}
		dims[axis+2] = (padded-window)/stride + 1
	}
	return standardOf(outputDType, dims), nil
}

func (op ConvolutionOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	input, weights := args[0], args[1]
	output = output.Standard()
	numSpatial := output.Rank() - 2
	group := max(op.Group, 1)
	groupChannels := weights.Shape().Dimensions[1]
	outPerGroup := output.Dimensions[1] / group
	kernelShape := shapes.Make(dtypes.Float64, weights.Shape().Dimensions[2:]...)

	inIndices := make([]int, input.Shape().Rank())
	wIndices := make([]int, weights.Shape().Rank())
	results := make([]float64, output.Size())
	for counter, outIndices := range output.Iter() {
		batch, outChannel := outIndices[0], outIndices[1]
		firstChannel := (outChannel / outPerGroup) * groupChannels
		var sum float64
		for c := range groupChannels {
			inIndices[0], inIndices[1] = batch, firstChannel+c
			wIndices[0], wIndices[1] = outChannel, c
		kernelLoop:
			for _, kernelIndices := range kernelShape.Iter() {
				for axis := range numSpatial {
					pos := outIndices[axis+2]*spatialParam(op.Stride, axis, 1) - spatialParam(op.Padding, axis, 0) +
						kernelIndices[axis]*spatialParam(op.Dilation, axis, 1)
					if pos < 0 || pos >= input.Shape().Dimensions[axis+2] {
						continue kernelLoop
					}
					inIndices[axis+2] = pos
					wIndices[axis+2] = kernelIndices[axis]
				}
				sum += input.At(inIndices...) * weights.At(wIndices...)
			}
		}
		results[counter] = sum
	}
	return tensors.FromShapeAndValues(output, results), nil
}

// DotOp is a (batched) matrix multiplication: [batch..., M, K] x [batch..., K, N] -> [batch..., M, N].
//
// If Quant is set, it is a quant_dot: inputs are 8-bit, and the result is accumulated in Int32 (for integers)
// or Float32 (for 8-bit floats).
type DotOp struct {
	Quant bool
}

// Dot creates a DotOp.
func Dot() DotOp { return DotOp{} }

// QuantDot creates a quantized DotOp.
func QuantDot() DotOp { return DotOp{Quant: true} }

// Quantized returns the quant_dot version of the operator.
func (op DotOp) Quantized() DotOp { return DotOp{Quant: true} }

func (op DotOp) Name() string {
	if op.Quant {
		return "quant_dot"
	}
	return "dot"
}

func (op DotOp) Attributes() ir.Attributes { return nil }

func (op DotOp) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	name := op.Name()
	if err := checkNumInputs(name, inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	a, b := inputs[0], inputs[1]
	rank := a.Rank()
	if rank < 2 || b.Rank() != rank {
		return shapes.Invalid(), errors.Errorf("%s: inputs %s and %s must have the same rank >= 2", name, a, b)
	}
	if err := checkSameDType(name, inputs); err != nil {
		return shapes.Invalid(), err
	}
	outputDType := a.DType
	if op.Quant {
		var err error
		if outputDType, err = quantizedOutputDType(name, a.DType); err != nil {
			return shapes.Invalid(), err
		}
	} else if !a.DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s: requires float inputs, got %s, use quant_dot", name, a.DType)
	}
	if !slices.Equal(a.Dimensions[:rank-2], b.Dimensions[:rank-2]) {
		return shapes.Invalid(), errors.Errorf("%s: batch dimensions of %s and %s differ", name, a, b)
	}
	if a.Dimensions[rank-1] != b.Dimensions[rank-2] {
		return shapes.Invalid(), errors.Errorf("%s: contracting dimensions of %s and %s differ", name, a, b)
	}
	dims := slices.Clone(a.Dimensions)
	dims[rank-1] = b.Dimensions[rank-1]
	return standardOf(outputDType, dims), nil
}

func (op DotOp) Compute(output shapes.Shape, args []*tensors.Tensor, _ []*ir.Module) (*tensors.Tensor, error) {
	a, b := args[0], args[1]
	output = output.Standard()
	rank := output.Rank()
	contracting := a.Shape().Dimensions[rank-1]
	aIndices := make([]int, rank)
	bIndices := make([]int, rank)
	results := make([]float64, output.Size())
	for counter, outIndices := range output.Iter() {
		copy(aIndices, outIndices)
		copy(bIndices, outIndices)
		var sum float64
		for k := range contracting {
			aIndices[rank-1] = k
			bIndices[rank-2] = k
			sum += a.At(aIndices...) * b.At(bIndices...)
		}
		results[counter] = sum
	}
	return tensors.FromShapeAndValues(output, results), nil
}
