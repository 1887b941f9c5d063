package simplifyqdq

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/gomlx/graphopt/pkg/passes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func count(m *ir.Module, name string) int {
	n := 0
	for _, ins := range m.Instructions() {
		if ins.Name() == name {
			n++
		}
	}
	return n
}

func find(m *ir.Module, name string) *ir.Instruction {
	for _, ins := range m.Instructions() {
		if ins.Name() == name {
			return ins
		}
	}
	return nil
}

// multiples returns a tensor with random multiples of step in [-n*step, n*step].
func multiples(rng *rand.Rand, step float64, n int, dims ...int) *tensors.Tensor {
	shape := shapes.Make(dtypes.Float32, dims...)
	values := make([]float64, shape.Size())
	for i := range values {
		values[i] = float64(rng.IntN(2*n+1)-n) * step
	}
	return tensors.FromShapeAndValues(shape, values)
}

// qdq adds quantizelinear then dequantizelinear of x, with per-tensor scale and zero point.
func qdq(m *ir.Module, x *ir.Instruction, scale float64, zeroPoint int) (q, dq *ir.Instruction) {
	dims := x.Shape().Dimensions
	s := m.AddInstruction(ops.MultiBroadcast(dims...), m.AddLiteral(tensors.FromScalar(dtypes.Float32, scale)))
	z := m.AddInstruction(ops.MultiBroadcast(dims...), m.AddLiteral(tensors.FromScalar(dtypes.Int8, zeroPoint)))
	q = m.AddInstruction(ops.QuantizeLinear(), x, s, z)
	dq = m.AddInstruction(ops.DequantizeLinear(), q, s, z)
	return
}

// simplifyAndCompare runs the pass over the program, and checks the results of the main module are the same
// before and after, for the given parameters.
func simplifyAndCompare(t *testing.T, program *ir.Program, params map[string]*tensors.Tensor) {
	m := program.MainModule()
	want := must.M1(m.Evaluate(params))
	require.NoError(t, passes.NewManager().Run(program, New()))
	got := must.M1(m.Evaluate(params))
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Shape().Dimensions, got[i].Shape().Dimensions)
		assert.InDeltaSlice(t, want[i].Flat(), got[i].Flat(), 1e-5, "output #%d", i)
	}
}

// convProgram builds a convolution of a dequantized parameter "x" [1, 2, 4, 4] and dequantized weights
// [3, 2, 3, 3].
func convProgram(rng *rand.Rand, zp1, zp2 int) *ir.Program {
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 1, 2, 4, 4))
	_, dq1 := qdq(m, x, 0.5, zp1)
	w := m.AddLiteral(multiples(rng, 0.25, 8, 3, 2, 3, 3))
	_, dq2 := qdq(m, w, 0.25, zp2)
	m.AddReturn(m.AddInstruction(ops.Convolution().WithPadding(1, 1), dq1, dq2))
	return program
}

func TestQuantizedConvolution(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	params := map[string]*tensors.Tensor{"x": multiples(rng, 0.5, 16, 1, 2, 4, 4)}

	t.Run("symmetric", func(t *testing.T) {
		program := convProgram(rng, 0, 0)
		simplifyAndCompare(t, program, params)
		m := program.MainModule()
		assert.Equal(t, 1, count(m, "quant_convolution"))
		assert.Zero(t, count(m, "convolution"))
		assert.Equal(t, 1, count(m, ops.DequantizeLinearName))
		assert.Zero(t, count(m, "add"))
		assert.Zero(t, count(m, "sub"))

		dq := m.Returns()[0]
		require.Equal(t, ops.DequantizeLinearName, dq.Name())
		assert.Equal(t, "quant_convolution", dq.Input(0).Name())
		scale := must.M1(dq.Input(1).Eval())
		assert.True(t, scale.AllEqual(0.125), "combined scale should be 0.5*0.25, got %s", scale)
	})

	t.Run("asymmetric input", func(t *testing.T) {
		program := convProgram(rng, 3, 0)
		simplifyAndCompare(t, program, params)
		m := program.MainModule()
		assert.Equal(t, 2, count(m, "quant_convolution"))
		assert.Equal(t, 1, count(m, "add"))
		assert.Zero(t, count(m, "sub"))
	})

	t.Run("asymmetric input and weights", func(t *testing.T) {
		program := convProgram(rng, -2, 1)
		simplifyAndCompare(t, program, params)
		m := program.MainModule()
		assert.Equal(t, 4, count(m, "quant_convolution"))
		assert.Equal(t, 2, count(m, "add"))
		assert.Equal(t, 1, count(m, "sub"))
	})
}

func TestPerChannelWeights(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 0))
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 1, 2, 4, 4))
	_, dq1 := qdq(m, x, 0.5, 0)
	wDims := []int{3, 2, 3, 3}
	w := m.AddLiteral(multiples(rng, 0.125, 8, wDims...))
	scales := m.AddInstruction(ops.Broadcast(0, wDims...),
		m.AddLiteral(tensors.FromFlat(dtypes.Float32, []float64{0.125, 0.25, 0.5}, 3)))
	zeros := m.AddInstruction(ops.MultiBroadcast(wDims...), m.AddLiteral(tensors.FromScalar(dtypes.Int8, 0)))
	dq2 := m.AddInstruction(ops.DequantizeLinear(), m.AddInstruction(ops.QuantizeLinear(), w, scales, zeros), scales, zeros)
	m.AddReturn(m.AddInstruction(ops.Convolution(), dq1, dq2))

	params := map[string]*tensors.Tensor{"x": multiples(rng, 0.5, 16, 1, 2, 4, 4)}
	simplifyAndCompare(t, program, params)
	assert.Equal(t, 1, count(m, "quant_convolution"))
	assert.Zero(t, count(m, "add"))
}

func TestPerChannelInputRejected(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 0))
	program := ir.NewProgram()
	m := program.MainModule()
	xDims := []int{1, 2, 4, 4}
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, xDims...))
	scales := m.AddInstruction(ops.Broadcast(1, xDims...),
		m.AddLiteral(tensors.FromFlat(dtypes.Float32, []float64{0.5, 0.25}, 2)))
	zeros := m.AddInstruction(ops.MultiBroadcast(xDims...), m.AddLiteral(tensors.FromScalar(dtypes.Int8, 0)))
	dq1 := m.AddInstruction(ops.DequantizeLinear(), m.AddInstruction(ops.QuantizeLinear(), x, scales, zeros), scales, zeros)
	w := m.AddLiteral(multiples(rng, 0.25, 8, 3, 2, 3, 3))
	_, dq2 := qdq(m, w, 0.25, 0)
	m.AddReturn(m.AddInstruction(ops.Convolution(), dq1, dq2))

	require.NoError(t, passes.NewManager().Run(program, New()))
	assert.Zero(t, count(m, "quant_convolution"))
	assert.Equal(t, 1, count(m, "convolution"))
	assert.NoError(t, m.Validate())
}

func TestQuantizedDot(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 0))
	program := ir.NewProgram()
	m := program.MainModule()
	a := m.AddParameter("a", shapes.Make(dtypes.Float32, 2, 3))
	_, dq1 := qdq(m, a, 0.5, 1)
	bDims := []int{3, 4}
	b := m.AddLiteral(multiples(rng, 0.25, 8, bDims...))
	scales := m.AddInstruction(ops.Broadcast(1, bDims...),
		m.AddLiteral(tensors.FromFlat(dtypes.Float32, []float64{0.25, 0.125, 0.25, 0.0625}, 4)))
	zeros := m.AddInstruction(ops.MultiBroadcast(bDims...), m.AddLiteral(tensors.FromScalar(dtypes.Int8, 0)))
	dq2 := m.AddInstruction(ops.DequantizeLinear(), m.AddInstruction(ops.QuantizeLinear(), b, scales, zeros), scales, zeros)
	// The weights are transposed twice, which must be replicated on the quantized values.
	transposed := m.AddInstruction(ops.Transpose(1, 0), m.AddInstruction(ops.Transpose(1, 0), dq2))
	m.AddReturn(m.AddInstruction(ops.Dot(), dq1, transposed))

	params := map[string]*tensors.Tensor{"a": multiples(rng, 0.5, 16, 2, 3)}
	simplifyAndCompare(t, program, params)
	assert.Equal(t, 2, count(m, "quant_dot"))
	assert.Zero(t, count(m, "dot"))
	assert.Equal(t, 2, count(m, "transpose"))
	assert.Equal(t, 1, count(m, "add"))
}

func TestUnsupportedType(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 0))
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	dims := x.Shape().Dimensions
	s := m.AddInstruction(ops.MultiBroadcast(dims...), m.AddLiteral(tensors.FromScalar(dtypes.Float32, 0.5)))
	z := m.AddInstruction(ops.MultiBroadcast(dims...), m.AddLiteral(tensors.FromScalar(dtypes.Int16, 0)))
	dq1 := m.AddInstruction(ops.DequantizeLinear(), m.AddInstruction(ops.QuantizeLinear(), x, s, z), s, z)
	w := m.AddLiteral(multiples(rng, 0.25, 8, 3, 2))
	_, dq2 := qdq(m, w, 0.25, 0)
	m.AddReturn(m.AddInstruction(ops.Dot(), dq1, dq2))

	require.NoError(t, passes.NewManager().Run(program, New()))
	assert.Zero(t, count(m, "quant_dot"))
	assert.Equal(t, 1, count(m, "dot"))
}

func TestRemoveQDQPairs(t *testing.T) {
	rng := rand.New(rand.NewPCG(23, 0))
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	_, dq := qdq(m, x, 0.5, 2)
	relu := m.AddInstruction(ops.Relu(), dq)
	m.AddReturn(relu)

	params := map[string]*tensors.Tensor{"x": multiples(rng, 0.5, 16, 2, 3)}
	simplifyAndCompare(t, program, params)
	assert.Equal(t, []*ir.Instruction{x}, relu.Inputs())
	assert.Zero(t, count(m, ops.QuantizeLinearName))
	assert.Zero(t, count(m, ops.DequantizeLinearName))

	// Different scales, with the same zero point given by different literals.
	program = ir.NewProgram()
	m = program.MainModule()
	x = m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	dims := x.Shape().Dimensions
	literal := func(dtype dtypes.DType, value float64) *ir.Instruction {
		return m.AddInstruction(ops.MultiBroadcast(dims...), m.AddLiteral(tensors.FromScalar(dtype, value)))
	}
	q := m.AddInstruction(ops.QuantizeLinear(), x, literal(dtypes.Float32, 0.5), literal(dtypes.Int8, 0))
	m.AddReturn(m.AddInstruction(ops.DequantizeLinear(), q, literal(dtypes.Float32, 0.25), literal(dtypes.Int8, 0)))
	assert.Zero(t, RemoveQDQPairs(m))

	// Same values, given with different shapes.
	dq = m.Returns()[0]
	reshaped := m.InsertInstruction(dq, ops.Reshape(1), m.AddLiteral(tensors.FromScalar(dtypes.Float32, 0.5)))
	m.ReplaceArgument(dq, dq.Input(1), m.InsertInstruction(dq, ops.MultiBroadcast(dims...), reshaped))
	assert.Equal(t, 1, RemoveQDQPairs(m))
	assert.Equal(t, []*ir.Instruction{x}, m.Return().Inputs())
}

func TestSameConstants(t *testing.T) {
	m := ir.NewProgram().MainModule()
	scalar := func(value float64) *ir.Instruction {
		return m.AddLiteral(tensors.FromScalar(dtypes.Float32, value))
	}
	broadcast := func(value float64) *ir.Instruction {
		return m.AddInstruction(ops.MultiBroadcast(2, 3), scalar(value))
	}
	assert.True(t, sameConstants(scalar(0.5), broadcast(0.5)))
	assert.True(t, sameConstants(broadcast(math.Inf(1)), scalar(math.Inf(1))))
	assert.False(t, sameConstants(broadcast(math.Inf(1)), scalar(math.Inf(-1))))
	assert.False(t, sameConstants(scalar(math.Inf(-1)), scalar(math.Inf(1))))
	assert.False(t, sameConstants(scalar(0.5), scalar(0.25)))
	assert.False(t, sameConstants(scalar(0.5), m.AddParameter("x", shapes.Make(dtypes.Float32))))
}

func TestInt8ZeroPoint(t *testing.T) {
	program := ir.NewProgram()
	m := program.MainModule()
	f32 := func(v float64) *ir.Instruction { return m.AddLiteral(tensors.FromScalar(dtypes.Float32, v, 1)) }
	x := m.AddParameter("x", shapes.Make(dtypes.Float32, 4))
	zero, qMin, qMax := f32(0), f32(0), f32(255)
	xMin := m.AddInstruction(ops.Min(), m.AddInstruction(ops.ReduceMin(0), x), zero)
	xMax := m.AddInstruction(ops.Max(), m.AddInstruction(ops.ReduceMax(0), x), zero)
	scale := m.AddInstruction(ops.Div(), m.AddInstruction(ops.Sub(), xMax, xMin), m.AddInstruction(ops.Sub(), qMax, qMin))
	zp := m.AddInstruction(ops.Sub(), qMin, m.AddInstruction(ops.Div(), xMin, scale))
	zp = m.AddInstruction(ops.Clip(), zp, qMin, qMax)
	zp = m.AddInstruction(ops.Convert(dtypes.Uint8), m.AddInstruction(ops.Round(), zp))
	s := m.AddInstruction(ops.MultiBroadcast(4), scale)
	z := m.AddInstruction(ops.MultiBroadcast(4), zp)
	q := m.AddInstruction(ops.QuantizeLinear(), x, s, z)
	m.AddReturn(m.AddInstruction(ops.DequantizeLinear(), q, s, z))
	require.Equal(t, dtypes.Uint8, q.Shape().DType)

	params := map[string]*tensors.Tensor{"x": tensors.FromFlat(dtypes.Float32, []float64{-1, 0.5, 2, 3}, 4)}
	simplifyAndCompare(t, program, params)
	assert.Equal(t, dtypes.Int8, q.Shape().DType)
	convert := find(m, "convert")
	require.NotNil(t, convert)
	assert.Equal(t, dtypes.Int8, convert.Shape().DType)
	clip := find(m, "clip")
	require.NotNil(t, clip)
	assert.True(t, must.M1(clip.Input(1).Eval()).AllEqual(-128))
	assert.True(t, must.M1(clip.Input(2).Eval()).AllEqual(127))
}
