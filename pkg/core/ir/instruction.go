// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
)

// Instruction is a node in the dataflow graph of a Module.
//
// Instructions are handles: they are referred to by pointer and never copied. They are created and
// mutated only through the Module methods, which keep the def-use edges consistent: the outputs
// (consumers) of an instruction are always the exact inverse of the inputs of the other instructions.
type Instruction struct {
	// id is unique in the Program, and stable across mutations.
	id int

	op    Operator
	shape shapes.Shape

	inputs     []*Instruction
	submodules []*Module

	// outputs are the unique instructions that use this one as input, in the order they started using it.
	outputs []*Instruction

	// module owning this instruction, nil after it is removed.
	module *Module

	// Intrusive list of the module.
	prev, next *Instruction
}

// ID of the instruction, unique in the Program.
func (ins *Instruction) ID() int { return ins.id }

// Name of the instruction's operator.
func (ins *Instruction) Name() string { return ins.op.Name() }

// Operator of the instruction.
func (ins *Instruction) Operator() Operator { return ins.op }

// Shape of the value produced by the instruction.
func (ins *Instruction) Shape() shapes.Shape { return ins.shape }

// Inputs of the instruction. The returned slice must not be modified.
func (ins *Instruction) Inputs() []*Instruction { return ins.inputs }

// Input returns the i-th input.
func (ins *Instruction) Input(i int) *Instruction { return ins.inputs[i] }

// NumInputs returns the number of inputs.
func (ins *Instruction) NumInputs() int { return len(ins.inputs) }

// Submodules referenced by the instruction. The returned slice must not be modified.
func (ins *Instruction) Submodules() []*Module { return ins.submodules }

// Outputs returns the unique instructions that consume this instruction's value.
// The returned slice must not be modified.
func (ins *Instruction) Outputs() []*Instruction { return ins.outputs }

// IsUsedOnce returns whether there is exactly one consumer of the instruction.
func (ins *Instruction) IsUsedOnce() bool { return len(ins.outputs) == 1 }

// Module owning the instruction. It is nil if the instruction was removed.
func (ins *Instruction) Module() *Module { return ins.module }

// Next instruction in the module order, or nil for the last.
func (ins *Instruction) Next() *Instruction { return ins.next }

// Prev instruction in the module order, or nil for the first.
func (ins *Instruction) Prev() *Instruction { return ins.prev }

// Attributes is a shortcut to ins.Operator().Attributes().
func (ins *Instruction) Attributes() Attributes { return ins.op.Attributes() }

// Literal returns the constant value of a @literal instruction, or nil for other instructions.
func (ins *Instruction) Literal() *tensors.Tensor {
	if lit, ok := ins.op.(literalOp); ok {
		return lit.value
	}
	return nil
}

// ParameterName returns the name of a @param instruction, or "" for other instructions.
func (ins *Instruction) ParameterName() string {
	if param, ok := ins.op.(paramOp); ok {
		return param.name
	}
	return ""
}

// InputShapes returns the shapes of the inputs.
func (ins *Instruction) InputShapes() []shapes.Shape {
	inputShapes := make([]shapes.Shape, len(ins.inputs))
	for i, input := range ins.inputs {
		inputShapes[i] = input.shape
	}
	return inputShapes
}

// OutputAlias follows the chain of operators that store their output in one of their inputs (views,
// destination-passing kernels) and returns the instruction that ultimately owns the storage.
// It returns ins itself if its operator doesn't alias an input.
func (ins *Instruction) OutputAlias() *Instruction {
	alias := ins
	for {
		aliaser, ok := alias.op.(OutputAliaser)
		if !ok {
			return alias
		}
		idx := aliaser.OutputAlias(alias.InputShapes())
		if idx < 0 || idx >= len(alias.inputs) {
			return alias
		}
		alias = alias.inputs[idx]
	}
}

// addOutput registers consumer as an output of ins, if not yet there.
func (ins *Instruction) addOutput(consumer *Instruction) {
	if !slices.Contains(ins.outputs, consumer) {
		ins.outputs = append(ins.outputs, consumer)
	}
}

// removeOutput unregisters consumer, if it no longer uses ins as input.
func (ins *Instruction) removeOutput(consumer *Instruction) {
	if slices.Contains(consumer.inputs, ins) {
		return
	}
	ins.outputs = slices.DeleteFunc(ins.outputs, func(out *Instruction) bool { return out == consumer })
}

// String returns a one-line description of the instruction, using the instruction IDs to refer to inputs.
func (ins *Instruction) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "#%d = %s", ins.id, ins.describeOp())
	if len(ins.inputs) > 0 {
		parts := make([]string, len(ins.inputs))
		for i, input := range ins.inputs {
			parts[i] = fmt.Sprintf("#%d", input.id)
		}
		_, _ = fmt.Fprintf(&sb, "(%s)", strings.Join(parts, ", "))
	}
	if len(ins.submodules) > 0 {
		names := make([]string, len(ins.submodules))
		for i, sm := range ins.submodules {
			names[i] = sm.name
		}
		_, _ = fmt.Fprintf(&sb, ", [%s]", strings.Join(names, ", "))
	}
	_, _ = fmt.Fprintf(&sb, " -> %s", ins.shape)
	return sb.String()
}

// describeOp formats the operator for printing.
func (ins *Instruction) describeOp() string {
	switch op := ins.op.(type) {
	case paramOp:
		return fmt.Sprintf("%s:%s", ParamName, op.name)
	case literalOp:
		if op.value.Size() <= 8 {
			return fmt.Sprintf("%s%v", LiteralName, op.value.Flat())
		}
		return LiteralName
	case outlineOp:
		return OutlineName
	}
	return OperatorString(ins.op)
}
