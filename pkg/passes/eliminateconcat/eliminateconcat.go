// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package eliminateconcat implements the pass that removes the copies made by concatenation kernels.
//
// A concatenation kernel copies each of its inputs into a slice of its output buffer (its last input). When
// the inputs are themselves computed into buffers allocated for them, the pass makes them write directly
// into the slices of the output buffer instead, and the concatenation becomes a no-op identity over the
// output buffer.
package eliminateconcat

import (
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/passes"
	"github.com/gomlx/graphopt/pkg/targets"
	"k8s.io/klog/v2"
)

// Pass eliminates concatenations whose inputs can be written in place in the output buffer.
type Pass struct {
	ConcatOptimization targets.ConcatOptimization
}

// New creates the concat elimination pass for the target concatenation kernels.
func New(concatOpt targets.ConcatOptimization) Pass {
	return Pass{ConcatOptimization: concatOpt}
}

func (p Pass) Name() string { return "eliminate_concat" }

func (p Pass) Apply(mpm *passes.ModulePassManager) {
	optimizer := &concatOptimizer{
		m:         mpm.Module(),
		concatOpt: p.ConcatOptimization,
		model:     p.ConcatOptimization.Allocation(),
	}
	m := mpm.Module()
	for ins := m.First(); ins != nil; {
		next := ins.Next()
		if axis, ok := p.ConcatOptimization.ConcatAxis(ins.Operator()); ok {
			optimizer.eliminate(ins, axis)
		}
		ins = next
	}
}

// IsPacked returns whether the elements of shape, seen as one slice of a buffer concatenated along axis,
// are contiguous: every axis other than the concatenation axis whose stride is not smaller than the
// concatenation axis stride must have dimension 1.
func IsPacked(ins *ir.Instruction, axis int) bool {
	shape := ins.Shape()
	axisStride := shape.Strides[axis]
	for otherAxis, dim := range shape.Dimensions {
		if otherAxis == axis || shape.Strides[otherAxis] < axisStride {
			continue
		}
		if dim != 1 {
			return false
		}
	}
	return true
}

type concatOptimizer struct {
	m         *ir.Module
	concatOpt targets.ConcatOptimization
	model     targets.AllocationModel
}

func (o *concatOptimizer) isAllocation(ins *ir.Instruction) bool {
	return targets.IsAllocation(o.model, ins)
}

// needCopy returns whether the storage of ins is not an allocation, and hence it must be copied into the
// output buffer.
func (o *concatOptimizer) needCopy(ins *ir.Instruction) bool {
	return !o.isAllocation(ins.OutputAlias())
}

// ownsStorage returns whether input is the only user of its own allocation, and the concatenation is its only
// consumer: only then the allocation can be replaced by a slice of the output buffer.
func (o *concatOptimizer) ownsStorage(input *ir.Instruction) bool {
	if !input.IsUsedOnce() || o.needCopy(input) {
		return false
	}
	alloc := input.OutputAlias()
	return alloc.IsUsedOnce() && alloc.Outputs()[0] == input
}

// countCopies returns how many inputs (excluding the output buffer) would need an explicit copy.
// Repeated inputs are copied after their first occurrence.
func (o *concatOptimizer) countCopies(inputs []*ir.Instruction, axis int) int {
	count := 0
	for i, input := range inputs {
		switch {
		case !o.ownsStorage(input) || slices.Index(inputs, input) < i:
			count++
		case IsPacked(input, axis):
		case !o.concatOpt.SupportsNonPackedOutput(input):
			count++
		}
	}
	return count
}

// eliminate rewrites the concatenation, if at most one of its inputs needs a copy.
func (o *concatOptimizer) eliminate(concat *ir.Instruction, axis int) {
	m := o.m
	inputs := slices.Clone(concat.Inputs())
	if len(inputs) < 2 {
		return
	}
	output := inputs[len(inputs)-1]
	inputs = inputs[:len(inputs)-1]
	if !o.isAllocation(output) {
		klog.V(2).Infof("eliminate_concat: skipping %s, its output is not an allocation", concat)
		return
	}
	if axis < 0 || axis >= output.Shape().Rank() {
		klog.V(2).Infof("eliminate_concat: skipping %s, invalid axis %d", concat, axis)
		return
	}
	if numCopies := o.countCopies(inputs, axis); numCopies > 1 {
		klog.V(2).Infof("eliminate_concat: skipping %s, %d inputs would need a copy", concat, numCopies)
		return
	}

	// The output buffer (super allocation) is moved before the storage of all inputs, so they can write to it.
	aliases := make([]*ir.Instruction, len(inputs))
	for i, input := range inputs {
		aliases[i] = input.OutputAlias()
	}
	earliest := slices.MinFunc(aliases, func(a, b *ir.Instruction) int {
		return m.Position(a) - m.Position(b)
	})
	super := o.moveSuperAllocation(output, earliest)

	var saved uintptr
	args := []*ir.Instruction{super}
	lastSlice := super
	start := 0
	for i, input := range inputs {
		size := input.Shape().Dimensions[axis]
		sliceOp := ops.Slice([]int{axis}, []int{start}, []int{start + size})
		slice := m.InsertInstruction(lastSlice.Next(), sliceOp, super)
		lastSlice = slice
		inPlace := slices.Index(inputs, input) == i && input.OutputAlias() != super
		contribution, eliminated := o.writeInto(input, slice, axis, inPlace)
		if eliminated != nil {
			saved += eliminated.Shape().Memory()
		}
		args = append(args, contribution)
		start += size
	}
	m.ReplaceInstructionWith(concat, ops.Identity(), args, nil)
	klog.V(1).Infof("eliminate_concat: module %q, concatenation of %d inputs into %s done in place, %s of buffers saved",
		m.Name(), len(inputs), super.Shape(), humanize.Bytes(uint64(saved)))
}

// moveSuperAllocation moves the output buffer before earliest, or after the parameters and constants if
// earliest is one of them.
func (o *concatOptimizer) moveSuperAllocation(super, earliest *ir.Instruction) *ir.Instruction {
	position := earliest
	if ir.IsBuiltin(earliest.Name()) {
		position = o.m.First()
		for position != nil && ir.IsBuiltin(position.Name()) && position.Name() != ir.ReturnName {
			position = position.Next()
		}
	}
	if o.m.Position(position) > o.m.Position(super) {
		return super
	}
	return o.m.MoveInstruction(super, position)
}

// writeInto makes input be stored in slice: either by replacing its own allocation by the slice, if inPlace
// is allowed and input owns its storage, or with an explicit copy. It returns the instruction that produces the contribution of input to
// the output buffer, and the allocation eliminated, if any.
func (o *concatOptimizer) writeInto(input, slice *ir.Instruction, axis int, inPlace bool) (contribution, eliminated *ir.Instruction) {
	m := o.m
	if inPlace && o.ownsStorage(input) && (IsPacked(input, axis) || o.concatOpt.SupportsNonPackedOutput(input)) {
		alloc := input.OutputAlias()
		m.ReplaceInstruction(alloc, slice)
		return input, alloc
	}
	position := input.Next()
	if m.Position(slice) > m.Position(input) {
		position = slice.Next()
	}
	return m.InsertInstruction(position, o.model.MakeCopy(), input, slice), nil
}
