package ops_test

import (
	"testing"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	. "github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inferShape runs the shape inference of op over the given input shapes.
func inferShape(op ir.Operator, inputs ...shapes.Shape) (shapes.Shape, error) {
	return op.ComputeShape(inputs, nil)
}

// compute evaluates op over the given tensors.
func compute(t *testing.T, op ir.Operator, args ...*tensors.Tensor) *tensors.Tensor {
	inputs := make([]shapes.Shape, len(args))
	for i, arg := range args {
		inputs[i] = arg.Shape()
	}
	output := must.M1(op.ComputeShape(inputs, nil))
	result, err := op.(ir.Evaluator).Compute(output, args, nil)
	require.NoError(t, err)
	return result
}

func TestViews(t *testing.T) {
	f32 := dtypes.Float32
	x := shapes.Make(f32, 2, 3)

	s := must.M1(inferShape(Broadcast(1, 4, 2, 3), x))
	assert.Equal(t, []int{4, 2, 3}, s.Dimensions)
	assert.Equal(t, []int{0, 3, 1}, s.Strides)
	_, err := inferShape(Broadcast(0, 3, 2), x)
	require.Error(t, err)

	s = must.M1(inferShape(MultiBroadcast(5, 2, 3), shapes.Make(f32, 1, 3)))
	assert.Equal(t, []int{0, 0, 1}, s.Strides)
	s = must.M1(inferShape(MultiBroadcast(2, 3), shapes.Scalar(f32)))
	assert.True(t, s.IsBroadcasted())
	_, err = inferShape(MultiBroadcast(2, 4), x)
	require.Error(t, err)

	s = must.M1(inferShape(Transpose(1, 0), x))
	assert.Equal(t, []int{3, 2}, s.Dimensions)
	assert.Equal(t, []int{1, 3}, s.Strides)
	assert.True(t, s.IsTransposed())
	_, err = inferShape(Transpose(0, 0), x)
	require.Error(t, err)

	// Reshape requires a standard input.
	_, err = inferShape(Reshape(6), s)
	require.Error(t, err)
	s = must.M1(inferShape(Reshape(3, 2), x))
	assert.True(t, s.IsStandard())
	_, err = inferShape(Reshape(4), x)
	require.Error(t, err)

	s = must.M1(inferShape(Slice([]int{1}, []int{1}, []int{3}), x))
	assert.Equal(t, []int{2, 2}, s.Dimensions)
	assert.Equal(t, []int{3, 1}, s.Strides)
	_, err = inferShape(Slice([]int{1}, []int{2}, []int{4}), x)
	require.Error(t, err)

	for _, op := range []ir.Operator{Broadcast(1, 4, 2, 3), MultiBroadcast(2, 3), Transpose(1, 0), Reshape(6),
		Slice([]int{0}, []int{0}, []int{1}), Identity()} {
		aliaser, ok := op.(ir.OutputAliaser)
		require.True(t, ok, "operator %s should alias its input", op.Name())
		assert.Equal(t, 0, aliaser.OutputAlias([]shapes.Shape{x}))
		assert.True(t, ir.HasTrait(op, ir.TraitLayout) || op.Name() == "identity")
	}
}

func TestViewsCompute(t *testing.T) {
	x := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	transposed := compute(t, Transpose(1, 0), x)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, transposed.Flat())
	assert.True(t, transposed.SharesStorage(x))

	sliced := compute(t, Slice([]int{1}, []int{1}, []int{3}), x)
	assert.Equal(t, []float64{2, 3, 5, 6}, sliced.Flat())
	assert.True(t, sliced.SharesStorage(x))

	// Slice of a transposed view.
	sliced = compute(t, Slice([]int{0}, []int{2}, []int{3}), transposed)
	assert.Equal(t, []float64{3, 6}, sliced.Flat())

	broadcast := compute(t, Broadcast(0, 2, 3), tensors.FromFlat(dtypes.Float32, []float32{7, 8}, 2))
	assert.Equal(t, []float64{7, 7, 7, 8, 8, 8}, broadcast.Flat())

	reshaped := compute(t, Reshape(3, 2), x)
	assert.Equal(t, x.Flat(), reshaped.Flat())
	assert.Equal(t, 6.0, reshaped.At(2, 1))
}

func TestPointwise(t *testing.T) {
	x := tensors.FromFlat(dtypes.Float32, []float32{-1, 0, 2.5}, 3)
	y := tensors.FromFlat(dtypes.Float32, []float32{2, 3, 4}, 3)
	assert.Equal(t, []float64{0, 0, 2.5}, compute(t, Relu(), x).Flat())
	assert.Equal(t, []float64{-1, 0, 2}, compute(t, Round(), x).Flat())
	assert.Equal(t, []float64{1, 3, 6.5}, compute(t, Add(), x, y).Flat())
	assert.Equal(t, []float64{-2, 0, 10}, compute(t, Mul(), x, y).Flat())
	assert.Equal(t, []float64{2, 3, 4}, compute(t, Max(), x, y).Flat())

	low := tensors.FromScalar(dtypes.Float32, 0, 3)
	high := tensors.FromScalar(dtypes.Float32, 2, 3)
	assert.Equal(t, []float64{0, 0, 2}, compute(t, Clip(), x, low, high).Flat())

	converted := compute(t, Convert(dtypes.Int8), tensors.FromFlat(dtypes.Float32, []float32{-200, 1.7, 300}, 3))
	assert.Equal(t, dtypes.Int8, converted.DType())
	assert.Equal(t, []float64{-128, 1, 127}, converted.Flat())

	_, err := inferShape(Add(), shapes.Make(dtypes.Float32, 3), shapes.Make(dtypes.Float32, 1))
	require.Error(t, err)
	_, err = inferShape(Add(), shapes.Make(dtypes.Float32, 3), shapes.Make(dtypes.Float16, 3))
	require.Error(t, err)
	assert.Panics(t, func() { _ = Unary("no_such_op") })
	assert.True(t, ir.HasTrait(Exp(), ir.TraitPointwise))
}

func TestReduce(t *testing.T) {
	x := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	s := must.M1(inferShape(ReduceSum(1), x.Shape()))
	assert.Equal(t, []int{2, 1}, s.Dimensions)
	assert.True(t, ir.HasTrait(ReduceSum(1), ir.TraitReduce))

	assert.Equal(t, []float64{6, 15}, compute(t, ReduceSum(1), x).Flat())
	assert.Equal(t, []float64{5, 7, 9}, compute(t, ReduceSum(0), x).Flat())
	assert.Equal(t, []float64{21}, compute(t, ReduceSum(0, 1), x).Flat())
	assert.Equal(t, []float64{3, 6}, compute(t, ReduceMax(1), x).Flat())
	assert.Equal(t, []float64{1, 4}, compute(t, ReduceMin(1), x).Flat())
	assert.Equal(t, []float64{2.5, 3.5, 4.5}, compute(t, ReduceMean(0), x).Flat())
	assert.Equal(t, []float64{6, 120}, compute(t, ReduceProd(1), x).Flat())

	// Reduction over a transposed view.
	transposed := compute(t, Transpose(1, 0), x)
	assert.Equal(t, []float64{6, 15}, compute(t, ReduceSum(0), transposed).Flat())

	_, err := inferShape(ReduceSum(2), x.Shape())
	require.Error(t, err)
}

func TestBuffers(t *testing.T) {
	buffer := compute(t, Allocate(shapes.Make(dtypes.Float32, 2, 4)))
	assert.Equal(t, []int{2, 4}, buffer.Shape().Dimensions)

	// Copy into a slice of the buffer writes the buffer.
	slice := compute(t, Slice([]int{1}, []int{2}, []int{4}), buffer)
	src := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4}, 2, 2)
	result := compute(t, Copy(), src, slice)
	assert.True(t, result.SharesStorage(buffer))
	assert.Equal(t, []float64{0, 0, 1, 2, 0, 0, 3, 4}, buffer.Flat())
	assert.Equal(t, 1, Copy().OutputAlias([]shapes.Shape{src.Shape(), slice.Shape()}))

	a := tensors.FromFlat(dtypes.Float32, []float32{1, 2}, 2, 1)
	b := tensors.FromFlat(dtypes.Float32, []float32{3, 4, 5, 6}, 2, 2)
	concat := compute(t, Concat(1), a, b)
	assert.Equal(t, []int{2, 3}, concat.Shape().Dimensions)
	assert.Equal(t, []float64{1, 3, 4, 2, 5, 6}, concat.Flat())
	assert.Equal(t, []int{0, 1}, Concat(1).Offsets([]shapes.Shape{a.Shape(), b.Shape()}))
	_, err := inferShape(Concat(0), a.Shape(), b.Shape())
	require.Error(t, err)

	transposed := compute(t, Transpose(1, 0), b)
	contiguous := compute(t, Contiguous(), transposed)
	assert.True(t, contiguous.Shape().IsStandard())
	assert.False(t, contiguous.SharesStorage(b))
	assert.Equal(t, []float64{3, 5, 4, 6}, contiguous.Flat())
}

func TestConvolution(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones: each output is the sum of a 2x2 window.
	x := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	w := tensors.FromScalar(dtypes.Float32, 1, 1, 1, 2, 2)
	y := compute(t, Convolution(), x, w)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape().Dimensions)
	assert.Equal(t, []float64{12, 16, 24, 28}, y.Flat())

	y = compute(t, Convolution().WithPadding(1, 1).WithStride(2, 2), x, w)
	assert.Equal(t, []int{1, 1, 2, 2}, y.Shape().Dimensions)
	assert.Equal(t, []float64{1, 5, 11, 28}, y.Flat())

	// Two groups: each output channel only sees its input channel.
	x2 := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 10, 20}, 1, 2, 2)
	w2 := tensors.FromFlat(dtypes.Float32, []float32{1, 1, 2, 2}, 2, 1, 2)
	y = compute(t, Convolution().WithGroup(2), x2, w2)
	assert.Equal(t, []float64{3, 60}, y.Flat())

	// Quantized variants.
	q := compute(t, Convolution().Quantized(), x.Convert(dtypes.Int8), w.Convert(dtypes.Int8))
	assert.Equal(t, dtypes.Int32, q.DType())
	assert.Equal(t, "quant_convolution", Convolution().Quantized().Name())
	s := must.M1(inferShape(Convolution().Quantized(), shapes.Make(dtypes.F8E4M3FNUZ, 1, 1, 3, 3),
		shapes.Make(dtypes.F8E4M3FNUZ, 1, 1, 2, 2)))
	assert.Equal(t, dtypes.Float32, s.DType)
	_, err := inferShape(Convolution().Quantized(), shapes.Make(dtypes.Float32, 1, 1, 3, 3),
		shapes.Make(dtypes.Float32, 1, 1, 2, 2))
	require.Error(t, err)
	_, err = inferShape(Convolution(), shapes.Make(dtypes.Int8, 1, 1, 3, 3), shapes.Make(dtypes.Int8, 1, 1, 2, 2))
	require.Error(t, err)
}

func TestDot(t *testing.T) {
	a := tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := tensors.FromFlat(dtypes.Float32, []float32{1, 0, 0, 1, 1, 1}, 3, 2)
	y := compute(t, Dot(), a, b)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)
	assert.Equal(t, []float64{4, 5, 10, 11}, y.Flat())

	q := compute(t, QuantDot(), a.Convert(dtypes.Int8), b.Convert(dtypes.Int8))
	assert.Equal(t, dtypes.Int32, q.DType())
	assert.Equal(t, y.Flat(), q.Flat())

	_, err := inferShape(Dot(), a.Shape(), a.Shape())
	require.Error(t, err)
	s := must.M1(inferShape(Dot(), shapes.Make(dtypes.Float32, 4, 2, 3), shapes.Make(dtypes.Float32, 4, 3, 5)))
	assert.Equal(t, []int{4, 2, 5}, s.Dimensions)
}

func TestQuantize(t *testing.T) {
	x := tensors.FromFlat(dtypes.Float32, []float32{-1, 0.25, 0.5, 100}, 4)
	scale := tensors.FromScalar(dtypes.Float32, 0.5, 4)
	zeroPoint := tensors.FromScalar(dtypes.Int8, 1, 4)

	q := compute(t, QuantizeLinear(), x, scale, zeroPoint)
	assert.Equal(t, dtypes.Int8, q.DType())
	// 0.25/0.5 = 0.5 rounds to even 0.
	assert.Equal(t, []float64{-1, 1, 2, 127}, q.Flat())

	dq := compute(t, DequantizeLinear(), q, scale, zeroPoint)
	assert.Equal(t, dtypes.Float32, dq.DType())
	assert.Equal(t, []float64{-1, 0, 0.5, 63}, dq.Flat())

	// Without zero point: int8 output and symmetric dequantization.
	q = compute(t, QuantizeLinear(), x, scale)
	assert.Equal(t, []float64{-2, 0, 1, 127}, q.Flat())
	assert.Equal(t, []float64{-1, 0, 0.5, 63.5}, compute(t, DequantizeLinear(), q, scale).Flat())

	_, err := inferShape(DequantizeLinear(), q.Shape(), scale.Shape(), shapes.Make(dtypes.Uint8, 4))
	require.Error(t, err)
	_, err = inferShape(QuantizeLinear(), x.Shape(), shapes.Make(dtypes.Float32, 1))
	require.Error(t, err)
}

func TestFusedReduce(t *testing.T) {
	program := ir.NewProgram()
	sm := program.CreateModule("main:reduce_sum0")
	sm.SetBypass(true)
	x0 := sm.AddParameter("x0", shapes.Make(dtypes.Float32, 2, 3))
	sm.AddReturn(sm.AddInstruction(ReduceSum(1), sm.AddInstruction(Exp(), x0)))

	op := FusedReduce(1)
	s, err := op.ComputeShape([]shapes.Shape{shapes.Make(dtypes.Float32, 2, 3)}, []*ir.Module{sm})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, s.Dimensions)

	_, err = op.ComputeShape([]shapes.Shape{shapes.Make(dtypes.Float32, 2, 3), shapes.Make(dtypes.Float32, 2, 3)},
		[]*ir.Module{sm})
	require.Error(t, err)
	_, err = op.ComputeShape([]shapes.Shape{shapes.Make(dtypes.Float32, 2, 3)}, nil)
	require.Error(t, err)

	x := tensors.FromFlat(dtypes.Float32, []float32{0, 0, 0, 0, 0, 0}, 2, 3)
	result, err := op.Compute(s, []*tensors.Tensor{x}, []*ir.Module{sm})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 3}, result.Flat())

	main := program.MainModule()
	p := main.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	fused := main.AddInstructionWithModules(op, []*ir.Instruction{p}, []*ir.Module{sm})
	main.AddReturn(fused)
	require.NoError(t, main.Validate())
	results := must.M1(main.Evaluate(map[string]*tensors.Tensor{"x": x}))
	assert.Equal(t, []float64{3, 3}, results[0].Flat())
}
