// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplifyqdq implements the pass that simplifies quantize/dequantize (QDQ) chains.
//
// It runs three steps, each followed by dead-code elimination:
//
//  1. Zero points computed in Uint8 (as produced by dynamic quantization) are converted to Int8, shifting the
//     range constants of their computation accordingly.
//  2. A convolution or dot whose operands are both dequantized 8-bit values is replaced by its quantized
//     version (quant_convolution or quant_dot) over the quantized values, followed by one dequantizelinear
//     with the combined scale and zero-point correction.
//  3. Pairs dequantizelinear(quantizelinear(x, s, z), s, z) are bypassed: consumers read x directly.
package simplifyqdq

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/match"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/gomlx/graphopt/pkg/passes"
	"k8s.io/klog/v2"
)

// Pass simplifies quantize/dequantize chains.
type Pass struct{}

// New creates the QDQ simplification pass.
func New() Pass { return Pass{} }

func (Pass) Name() string { return "simplify_qdq" }

func (Pass) Apply(mpm *passes.ModulePassManager) {
	mpm.RunPass(passes.PassFunc("convert_int8_zero_points", func(mpm *passes.ModulePassManager) {
		match.FindMatches(mpm.Module(), int8ZeroPointRule())
	}))
	mpm.RunPass(passes.PassFunc("fold_quantized_ops", func(mpm *passes.ModulePassManager) {
		match.FindMatches(mpm.Module(), quantizableOpsRule())
	}))
	mpm.RunPass(passes.PassFunc("remove_qdq_pairs", func(mpm *passes.ModulePassManager) {
		RemoveQDQPairs(mpm.Module())
	}))
}

// SupportedTypes are the quantized dtypes the quantized compute operators accept.
var SupportedTypes = []dtypes.DType{dtypes.Int8, dtypes.F8E4M3FNUZ, dtypes.F8E4M3FN}

// layoutOps are the operators allowed between a dequantizelinear and the compute operator using it.
var layoutOps = []string{"broadcast", "multibroadcast", "contiguous", "transpose", "reshape"}

var broadcastOps = []string{"broadcast", "multibroadcast"}

// int8ZeroPointRule matches a quantizelinear whose zero point is converted to Uint8:
//
//	zp = convert<uint8>(round(clip(v, qmin, qmax)))
func int8ZeroPointRule() match.Rule {
	matcher := match.Name(ops.QuantizeLinearName).And(
		match.NumInputs(3),
		match.Arg(2, match.SkipBroadcasts(match.Name("convert").And(match.HasType(dtypes.Uint8)).Bind("convert"))))
	return match.NewRule("int8_zero_point", matcher, convertInt8ZeroPoint)
}

// convertInt8ZeroPoint shifts the saturation range of the zero point to the Int8 range, and converts it to Int8
// instead. The range width is unchanged, so every quantized value is shifted by the same amount.
func convertInt8ZeroPoint(m *ir.Module, r match.Result) {
	convert := r.Get("convert")
	round := convert.Input(0)
	if round.NumInputs() != 1 {
		klog.V(2).Infof("simplify_qdq: skipping zero point %s, not computed by a rounding", convert)
		return
	}
	saturate := round.Input(0)
	if saturate.Name() != "clip" {
		klog.V(2).Infof("simplify_qdq: skipping zero point %s, not saturated by a clip", convert)
		return
	}
	qMin := match.SkipThrough(saturate.Input(1), broadcastOps...)
	qMax := match.SkipThrough(saturate.Input(2), broadcastOps...)
	if qMin.Name() != ir.LiteralName || qMax.Name() != ir.LiteralName || qMin == qMax {
		klog.V(2).Infof("simplify_qdq: skipping zero point %s, saturation range is not given by literals", convert)
		return
	}
	int8Literal := func(like *ir.Instruction, value float64) *ir.Instruction {
		shape := like.Shape()
		return m.AddLiteral(tensors.FromScalar(shape.DType, value, shape.Dimensions...))
	}
	m.ReplaceInstruction(qMin, int8Literal(qMin, dtypes.Int8.LowestValue()))
	m.ReplaceInstruction(qMax, int8Literal(qMax, dtypes.Int8.HighestValue()))
	m.ReplaceInstruction(convert, m.InsertInstruction(convert, ops.Convert(dtypes.Int8), round))
	klog.V(2).Infof("simplify_qdq: zero point of %s converted to %s", r.Root, dtypes.Int8)
}

// dequantize matches a dequantizelinear with constant scale and zero point, binding them.
func dequantize(scale, zeroPoint string) match.Matcher {
	return match.Name(ops.DequantizeLinearName).And(
		match.NumInputs(3),
		match.Arg(1, match.SkipBroadcasts(match.IsConstant().Bind(scale))),
		match.Arg(2, match.SkipBroadcasts(match.IsConstant().Bind(zeroPoint))))
}

func quantizableOpsRule() match.Rule {
	skipLayout := match.Skip(layoutOps...)
	matcher := match.Name("convolution", "dot").And(
		match.Arg(0, skipLayout(dequantize("scale1", "zp1").Bind("dq1"))),
		match.Arg(1, skipLayout(dequantize("scale2", "zp2").Bind("dq2"))))
	return match.NewRule("quantizable_ops", matcher, foldQuantizedOp)
}

// qparamAxes are the axes the quantization parameters may vary along, for each quantized compute operator.
type qparamAxes struct {
	// scale1 and scale2 are the axes of the output the scales are broadcast along.
	scale1, scale2 int

	// zp1 and zp2 are the axes of the respective operands the zero points are broadcast along.
	zp1, zp2 int
}

// isValidQParam returns whether qparam is per-tensor (one element), or a vector with the dimension of the given axis.
func isValidQParam(qparam *ir.Instruction, dims []int, axis int) bool {
	shape := qparam.Shape()
	return shape.Size() == 1 || (shape.Rank() == 1 && shape.Dimensions[0] == dims[axis])
}

// IsSymmetricZeroPoint returns whether zp is constant and all zeros. Values that can't be evaluated are
// taken as asymmetric.
func IsSymmetricZeroPoint(zp *ir.Instruction) bool {
	if !zp.CanEval() {
		return false
	}
	value, err := zp.Eval()
	if err != nil {
		return false
	}
	return value.AllEqual(0)
}

// layoutChain returns the layout instructions between dq and arg, in the order they are applied (from dq to arg).
func layoutChain(dq, arg *ir.Instruction) []*ir.Instruction {
	var chain []*ir.Instruction
	for ins := arg; ins != dq; ins = ins.Input(0) {
		chain = append(chain, ins)
	}
	slices.Reverse(chain)
	return chain
}

// quantizedShape returns the shape of the layout chain applied to the quantized value q.
func quantizedShape(q *ir.Instruction, chain []*ir.Instruction) (shapes.Shape, error) {
	shape := q.Shape()
	for _, ins := range chain {
		var err error
		if shape, err = ins.Operator().ComputeShape([]shapes.Shape{shape}, nil); err != nil {
			return shapes.Invalid(), err
		}
	}
	return shape, nil
}

// propagateQuantized replicates the layout chain on the quantized value, right before dq.
func propagateQuantized(m *ir.Module, dq *ir.Instruction, chain []*ir.Instruction) *ir.Instruction {
	value := dq.Input(0)
	for _, ins := range chain {
		value = m.InsertInstruction(dq, ins.Operator(), value)
	}
	return value
}

// qparamBroadcast returns the instruction broadcasting qparam to dims: a multibroadcast if it is per-tensor,
// and a broadcast along axis otherwise.
func qparamBroadcast(m *ir.Module, before, qparam *ir.Instruction, dims []int, axis int) *ir.Instruction {
	if qparam.Shape().Size() == 1 {
		if qparam.Shape().Rank() > len(dims) {
			qparam = m.InsertInstruction(before, ops.Reshape(), qparam)
		}
		return m.InsertInstruction(before, ops.MultiBroadcast(dims...), qparam)
	}
	return m.InsertInstruction(before, ops.Broadcast(axis, dims...), qparam)
}

// foldQuantizedOp replaces the compute operator at the root of the match by its quantized version.
// All conditions are checked before the module is changed.
func foldQuantizedOp(m *ir.Module, r match.Result) {
	qop := r.Root
	dq1, dq2 := r.Get("dq1"), r.Get("dq2")
	scale1, scale2 := r.Get("scale1"), r.Get("scale2")
	zp1, zp2 := r.Get("zp1"), r.Get("zp2")
	q1, q2 := dq1.Input(0), dq2.Input(0)
	qtype := q1.Shape().DType
	if !slices.Contains(SupportedTypes, qtype) || q2.Shape().DType != qtype {
		klog.V(2).Infof("simplify_qdq: skipping %s, quantized types %s and %s not supported",
			qop, qtype, q2.Shape().DType)
		return
	}
	if scale1.Shape().DType != qop.Shape().DType || scale2.Shape().DType != qop.Shape().DType {
		klog.V(2).Infof("simplify_qdq: skipping %s, scales of different dtypes", qop)
		return
	}

	arg1Dims := qop.Input(0).Shape().Dimensions
	arg2Dims := qop.Input(1).Shape().Dimensions
	outDims := qop.Shape().Dimensions
	var quantOp ir.Operator
	var axes qparamAxes
	var valid bool
	switch op := qop.Operator().(type) {
	case ops.ConvolutionOp:
		// Input [n, c, spatial...] must be per-tensor quantized, weights [k, c, kernel...] may be per-output-channel.
		quantOp = op.Quantized()
		axes = qparamAxes{scale1: 1, scale2: 1, zp1: 1, zp2: 0}
		valid = scale1.Shape().Size() == 1 && zp1.Shape().Size() == 1 &&
			isValidQParam(scale2, arg2Dims, 0) && isValidQParam(zp2, arg2Dims, 0)
	case ops.DotOp:
		// For [..., M, K] x [..., K, N], the first operand may be quantized per row (M) and the second per column (N).
		quantOp = op.Quantized()
		rank := len(outDims)
		axes = qparamAxes{scale1: rank - 2, scale2: rank - 1, zp1: rank - 2, zp2: rank - 1}
		valid = isValidQParam(scale1, outDims, rank-2) && isValidQParam(zp1, outDims, rank-2) &&
			isValidQParam(scale2, outDims, rank-1) && isValidQParam(zp2, outDims, rank-1)
	default:
		return
	}
	if !valid {
		klog.V(2).Infof("simplify_qdq: skipping %s, quantization parameters scale1=%s, zp1=%s, scale2=%s, zp2=%s not supported",
			qop, scale1.Shape(), zp1.Shape(), scale2.Shape(), zp2.Shape())
		return
	}
	chain1, chain2 := layoutChain(dq1, qop.Input(0)), layoutChain(dq2, qop.Input(1))
	q1Shape, err1 := quantizedShape(q1, chain1)
	q2Shape, err2 := quantizedShape(q2, chain2)
	if err1 != nil || err2 != nil {
		klog.V(2).Infof("simplify_qdq: skipping %s, layout can't be applied to the quantized values", qop)
		return
	}
	quantShape, err := quantOp.ComputeShape([]shapes.Shape{q1Shape, q2Shape}, nil)
	if err != nil {
		klog.V(2).Infof("simplify_qdq: skipping %s: %v", qop, err)
		return
	}

	qarg1 := propagateQuantized(m, dq1, chain1)
	qarg2 := propagateQuantized(m, dq2, chain2)
	quant := m.InsertInstruction(qop, quantOp, qarg1, qarg2)
	outScale := m.InsertInstruction(qop, ops.Mul(),
		qparamBroadcast(m, qop, scale1, outDims, axes.scale1),
		qparamBroadcast(m, qop, scale2, outDims, axes.scale2))

	zero := m.AddLiteral(tensors.FromScalar(quantShape.DType, 0))
	outZP := m.InsertInstruction(qop, ops.MultiBroadcast(outDims...), zero)
	symmetric1, symmetric2 := IsSymmetricZeroPoint(zp1), IsSymmetricZeroPoint(zp2)
	var zp1Broadcast, zp2Broadcast *ir.Instruction
	if !symmetric1 {
		zp1Broadcast = qparamBroadcast(m, qop, zp1, arg1Dims, axes.zp1)
		term := m.InsertInstruction(qop, quantOp, zp1Broadcast, qarg2)
		outZP = m.InsertInstruction(qop, ops.Add(), outZP, term)
	}
	if !symmetric2 {
		zp2Broadcast = qparamBroadcast(m, qop, zp2, arg2Dims, axes.zp2)
		term := m.InsertInstruction(qop, quantOp, qarg1, zp2Broadcast)
		outZP = m.InsertInstruction(qop, ops.Add(), outZP, term)
	}
	if !symmetric1 && !symmetric2 {
		term := m.InsertInstruction(qop, quantOp, zp1Broadcast, zp2Broadcast)
		outZP = m.InsertInstruction(qop, ops.Sub(), outZP, term)
	}
	m.ReplaceInstruction(qop, m.InsertInstruction(qop, ops.DequantizeLinear(), quant, outScale, outZP))
	klog.V(2).Infof("simplify_qdq: %s replaced by %s (symmetric zero points: %v, %v)",
		qop, quant, symmetric1, symmetric2)
}

// sameConstants returns whether a and b (possibly broadcast) are constants with the same values: either
// equal tensors, or both uniformly filled with the same value. Infinities of any sign compare equal.
func sameConstants(a, b *ir.Instruction) bool {
	a = match.SkipThrough(a, broadcastOps...)
	b = match.SkipThrough(b, broadcastOps...)
	if !a.CanEval() || !b.CanEval() {
		return false
	}
	x, errX := a.Eval()
	y, errY := b.Eval()
	if errX != nil || errY != nil {
		return false
	}
	if x.Equal(y) {
		return true
	}
	xs, ys := x.Flat(), y.Flat()
	if len(xs) == 0 {
		return false
	}
	first := xs[0]
	for _, values := range [][]float64{xs, ys} {
		for _, v := range values {
			if v != first {
				return false
			}
		}
	}
	return true
}

// RemoveQDQPairs makes the consumers of dequantizelinear(quantizelinear(x, s, z), s, z) read x directly.
// It returns the number of arguments rewritten.
func RemoveQDQPairs(m *ir.Module) int {
	count := 0
	for ins := m.First(); ins != nil; ins = ins.Next() {
		for _, arg := range slices.Clone(ins.Inputs()) {
			if arg.Name() != ops.DequantizeLinearName || arg.NumInputs() != 3 || !slices.Contains(ins.Inputs(), arg) {
				continue
			}
			q := arg.Input(0)
			if q.Name() != ops.QuantizeLinearName || q.NumInputs() != 3 {
				continue
			}
			x := q.Input(0)
			if x.Shape().DType != arg.Shape().DType || !slices.Equal(x.Shape().Dimensions, arg.Shape().Dimensions) {
				continue
			}
			if !sameConstants(arg.Input(1), q.Input(1)) || !sameConstants(arg.Input(2), q.Input(2)) {
				continue
			}
			m.ReplaceArgument(ins, arg, x)
			count++
		}
	}
	if count > 0 {
		klog.V(2).Infof("simplify_qdq: module %q, %d quantize/dequantize pairs removed", m.Name(), count)
	}
	return count
}
