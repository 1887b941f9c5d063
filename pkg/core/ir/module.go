// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/gomlx/graphopt/pkg/support/sets"
)

// Module is an ordered sequence of instructions, ending with one @return instruction.
//
// All mutations go through its methods, which keep the instructions in topological order (inputs
// always precede their consumers) and the consumer lists consistent. Every mutation increments
// the module Version.
type Module struct {
	name    string
	program *Program

	first, last *Instruction
	count       int

	// bypass modules are fusion bodies: they have no standalone execution meaning.
	bypass bool

	version  int
	matching bool
}

// Name of the module, unique in the Program.
func (m *Module) Name() string { return m.name }

// Program owning the module.
func (m *Module) Program() *Program { return m.program }

// Bypass returns whether the module is a fusion body, not to be optimized or executed by itself.
func (m *Module) Bypass() bool { return m.bypass }

// SetBypass sets whether the module is a fusion body.
func (m *Module) SetBypass(bypass bool) { m.bypass = bypass }

// Version is incremented at every mutation of the module. It can be used to check whether a pass changed it.
func (m *Module) Version() int { return m.version }

// Len returns the number of instructions.
func (m *Module) Len() int { return m.count }

// First instruction of the module, or nil if empty.
func (m *Module) First() *Instruction { return m.first }

// Last instruction of the module, usually the @return. Nil if empty.
func (m *Module) Last() *Instruction { return m.last }

// Instructions returns a snapshot of the instructions, in module order.
func (m *Module) Instructions() []*Instruction {
	list := make([]*Instruction, 0, m.count)
	for ins := m.first; ins != nil; ins = ins.next {
		list = append(list, ins)
	}
	return list
}

// Contains returns whether ins belongs to the module.
func (m *Module) Contains(ins *Instruction) bool { return ins != nil && ins.module == m }

// Return returns the @return instruction, or nil if it hasn't been added yet.
func (m *Module) Return() *Instruction {
	if m.last != nil && m.last.Name() == ReturnName {
		return m.last
	}
	return nil
}

// Returns the instructions returned by the module. If there is no @return yet, it returns the last instruction.
func (m *Module) Returns() []*Instruction {
	if ret := m.Return(); ret != nil {
		return slices.Clone(ret.inputs)
	}
	if m.last == nil {
		return nil
	}
	return []*Instruction{m.last}
}

// OutputShapes returns the shapes of the values returned by the module.
func (m *Module) OutputShapes() []shapes.Shape {
	returns := m.Returns()
	outputShapes := make([]shapes.Shape, len(returns))
	for i, ins := range returns {
		outputShapes[i] = ins.shape
	}
	return outputShapes
}

// Parameters returns the @param instructions, in the order they were added.
func (m *Module) Parameters() []*Instruction {
	var params []*Instruction
	for ins := m.first; ins != nil; ins = ins.next {
		if ins.Name() == ParamName {
			params = append(params, ins)
		}
	}
	return params
}

// Parameter returns the parameter with the given name, or nil if not found.
func (m *Module) Parameter(name string) *Instruction {
	for ins := m.first; ins != nil; ins = ins.next {
		if ins.ParameterName() == name && ins.Name() == ParamName {
			return ins
		}
	}
	return nil
}

// ParameterNames returns the names of the parameters, in the order they were added.
func (m *Module) ParameterNames() []string {
	params := m.Parameters()
	names := make([]string, len(params))
	for i, param := range params {
		names[i] = param.ParameterName()
	}
	return names
}

// ParameterShapes returns the shapes of the parameters, in the order they were added.
func (m *Module) ParameterShapes() []shapes.Shape {
	params := m.Parameters()
	paramShapes := make([]shapes.Shape, len(params))
	for i, param := range params {
		paramShapes[i] = param.shape
	}
	return paramShapes
}

// Position returns the index of the instruction in the module order, or -1 if it is not in the module.
func (m *Module) Position(ins *Instruction) int {
	if !m.Contains(ins) {
		return -1
	}
	pos := 0
	for current := m.first; current != ins; current = current.next {
		pos++
	}
	return pos
}

// precedes returns whether a comes strictly before b in the module order.
func (m *Module) precedes(a, b *Instruction) bool {
	for current := b.prev; current != nil; current = current.prev {
		if current == a {
			return true
		}
	}
	return false
}

// BeginMatching marks the start of a pattern-matching scan of the module, and returns the function that
// marks its end. Scans are not reentrant: it panics if another scan is in progress.
func (m *Module) BeginMatching() (end func()) {
	if m.matching {
		exceptions.Panicf("module %q: matching is not reentrant, a scan is already in progress", m.name)
	}
	m.matching = true
	return func() { m.matching = false }
}

// newInstruction creates an instruction of the module, not yet linked.
func (m *Module) newInstruction(op Operator, inputs []*Instruction, submodules []*Module) *Instruction {
	for i, input := range inputs {
		if input == nil {
			exceptions.Panicf("module %q: input #%d of new %q instruction is nil", m.name, i, op.Name())
		}
		if input.module != m {
			exceptions.Panicf("module %q: input #%d (%s) of new %q instruction belongs to another module",
				m.name, i, input, op.Name())
		}
	}
	for i, sm := range submodules {
		if sm == nil {
			exceptions.Panicf("module %q: submodule #%d of new %q instruction is nil", m.name, i, op.Name())
		}
	}
	ins := &Instruction{
		id:         m.program.newInstructionID(),
		op:         op,
		inputs:     slices.Clone(inputs),
		submodules: slices.Clone(submodules),
		module:     m,
	}
	ins.shape = m.computeShape(ins, op, ins.inputs, ins.submodules)
	for _, input := range ins.inputs {
		input.addOutput(ins)
	}
	return ins
}

// computeShape runs the shape inference of op, and panics on error.
func (m *Module) computeShape(ins *Instruction, op Operator, inputs []*Instruction, submodules []*Module) shapes.Shape {
	inputShapes := make([]shapes.Shape, len(inputs))
	for i, input := range inputs {
		inputShapes[i] = input.shape
	}
	shape, err := op.ComputeShape(inputShapes, submodules)
	if err != nil {
		if ins != nil && ins.op != nil {
			exceptions.Panicf("module %q: shape inference of %s failed: %+v", m.name, ins, err)
		}
		exceptions.Panicf("module %q: shape inference of %q failed: %+v", m.name, op.Name(), err)
	}
	return shape
}

// link inserts ins before the given instruction, or at the end if before is nil.
func (m *Module) link(ins, before *Instruction) {
	if before == nil {
		ins.prev = m.last
		if m.last != nil {
			m.last.next = ins
		} else {
			m.first = ins
		}
		m.last = ins
	} else {
		ins.prev = before.prev
		ins.next = before
		if before.prev != nil {
			before.prev.next = ins
		} else {
			m.first = ins
		}
		before.prev = ins
	}
	m.count++
	m.version++
}

// unlink removes ins from the module list.
func (m *Module) unlink(ins *Instruction) {
	if ins.prev != nil {
		ins.prev.next = ins.next
	} else {
		m.first = ins.next
	}
	if ins.next != nil {
		ins.next.prev = ins.prev
	} else {
		m.last = ins.prev
	}
	ins.prev, ins.next = nil, nil
	m.count--
	m.version++
}

// checkInstruction panics if ins doesn't belong to the module.
func (m *Module) checkInstruction(ins *Instruction, context string) {
	if ins == nil {
		exceptions.Panicf("module %q: %s: nil instruction", m.name, context)
	}
	if ins.module != m {
		exceptions.Panicf("module %q: %s: instruction %s doesn't belong to the module", m.name, context, ins)
	}
}

// checkPrecede panics if some of the inputs don't come before position.
func (m *Module) checkPrecede(inputs []*Instruction, position *Instruction, context string) {
	for i, input := range inputs {
		m.checkInstruction(input, context)
		if position != nil && !m.precedes(input, position) {
			exceptions.Panicf("module %q: %s: input #%d (%s) doesn't precede %s", m.name, context, i, input, position)
		}
	}
}

// AddInstruction adds an instruction at the end of the module, before the @return if there is one.
func (m *Module) AddInstruction(op Operator, inputs ...*Instruction) *Instruction {
	return m.InsertInstructionWithModules(nil, op, inputs, nil)
}

// AddInstructionWithModules adds an instruction that references submodules at the end of the module,
// before the @return if there is one.
func (m *Module) AddInstructionWithModules(op Operator, inputs []*Instruction, submodules []*Module) *Instruction {
	return m.InsertInstructionWithModules(nil, op, inputs, submodules)
}

// InsertInstruction inserts an instruction right before the given one.
// If before is nil, it is the same as AddInstruction.
func (m *Module) InsertInstruction(before *Instruction, op Operator, inputs ...*Instruction) *Instruction {
	return m.InsertInstructionWithModules(before, op, inputs, nil)
}

// InsertInstructionWithModules inserts an instruction that references submodules right before the given one.
// If before is nil, the instruction is added at the end, before the @return if there is one.
//
// It panics if some input doesn't precede the insertion point.
func (m *Module) InsertInstructionWithModules(before *Instruction, op Operator, inputs []*Instruction, submodules []*Module) *Instruction {
	if op.Name() == ReturnName {
		exceptions.Panicf("module %q: use AddReturn or ReplaceReturn to add a %s", m.name, ReturnName)
	}
	if before == nil {
		before = m.Return()
	} else {
		m.checkInstruction(before, "InsertInstruction")
	}
	m.checkPrecede(inputs, before, "InsertInstruction("+op.Name()+")")
	ins := m.newInstruction(op, inputs, submodules)
	m.link(ins, before)
	return ins
}

// leadingPosition returns the first instruction that is not one of the given builtins, used to keep
// parameters and constants grouped at the start of the module.
func (m *Module) leadingPosition(names ...string) *Instruction {
	ins := m.first
	for ins != nil && slices.Contains(names, ins.Name()) {
		ins = ins.next
	}
	return ins
}

// AddLiteral adds a constant to the module. Constants are kept at the start of the module, after
// the parameters. The tensor is owned by the module afterwards, and must not be changed.
func (m *Module) AddLiteral(value *tensors.Tensor) *Instruction {
	ins := m.newInstruction(literalOp{value: value}, nil, nil)
	m.link(ins, m.leadingPosition(ParamName, LiteralName, OutlineName))
	return ins
}

// AddParameter adds a named input to the module. Parameters are kept at the start of the module, in
// the order they were added. It panics if the name is already used.
func (m *Module) AddParameter(name string, shape shapes.Shape) *Instruction {
	if m.Parameter(name) != nil {
		exceptions.Panicf("module %q: parameter %q already exists", m.name, name)
	}
	ins := m.newInstruction(paramOp{name: name, shape: shape.Clone()}, nil, nil)
	m.link(ins, m.leadingPosition(ParamName))
	return ins
}

// AddOutline adds a placeholder for a value with the given shape, but no data.
func (m *Module) AddOutline(shape shapes.Shape) *Instruction {
	ins := m.newInstruction(outlineOp{shape: shape.Clone()}, nil, nil)
	m.link(ins, m.leadingPosition(ParamName, LiteralName, OutlineName))
	return ins
}

// AddReturn adds the terminal @return instruction. It panics if the module already has one.
func (m *Module) AddReturn(outputs ...*Instruction) *Instruction {
	if m.Return() != nil {
		exceptions.Panicf("module %q: it already has a %s", m.name, ReturnName)
	}
	m.checkPrecede(outputs, nil, "AddReturn")
	ins := m.newInstruction(returnOp{}, outputs, nil)
	m.link(ins, nil)
	return ins
}

// ReplaceReturn changes the values returned by the module, adding a @return if there isn't one.
func (m *Module) ReplaceReturn(outputs ...*Instruction) *Instruction {
	ret := m.Return()
	if ret == nil {
		return m.AddReturn(outputs...)
	}
	m.ReplaceInstructionWith(ret, returnOp{}, outputs, nil)
	return ret
}

// ReplaceInstruction makes every consumer of ins (except rep itself) use rep instead.
// The shapes of the consumers are recomputed, transitively.
//
// It panics if rep doesn't precede some consumer of ins.
func (m *Module) ReplaceInstruction(ins, rep *Instruction) {
	m.checkInstruction(ins, "ReplaceInstruction")
	m.checkInstruction(rep, "ReplaceInstruction")
	if ins == rep {
		return
	}
	consumers := slices.DeleteFunc(slices.Clone(ins.outputs), func(out *Instruction) bool { return out == rep })
	for _, out := range consumers {
		if !m.precedes(rep, out) {
			exceptions.Panicf("module %q: ReplaceInstruction(%s, %s): replacement doesn't precede consumer %s",
				m.name, ins, rep, out)
		}
	}
	for _, out := range consumers {
		for i, input := range out.inputs {
			if input == ins {
				out.inputs[i] = rep
			}
		}
		ins.removeOutput(out)
		rep.addOutput(out)
	}
	m.version++
	m.propagateShapes(consumers)
}

// ReplaceInstructionWith changes ins in place to compute op over the given inputs and submodules.
// Its consumers are kept, and their shapes are recomputed if the shape of ins changed.
func (m *Module) ReplaceInstructionWith(ins *Instruction, op Operator, inputs []*Instruction, submodules []*Module) {
	m.checkInstruction(ins, "ReplaceInstructionWith")
	if (op.Name() == ReturnName) != (ins.Name() == ReturnName) {
		exceptions.Panicf("module %q: ReplaceInstructionWith(%s, %s): only the %s can be a %s",
			m.name, ins, op.Name(), ReturnName, ReturnName)
	}
	m.checkPrecede(inputs, ins, "ReplaceInstructionWith("+op.Name()+")")
	newShape := m.computeShape(nil, op, inputs, submodules)
	oldInputs := ins.inputs
	ins.op = op
	ins.inputs = slices.Clone(inputs)
	ins.submodules = slices.Clone(submodules)
	for _, input := range oldInputs {
		input.removeOutput(ins)
	}
	for _, input := range ins.inputs {
		input.addOutput(ins)
	}
	m.version++
	if !newShape.Equal(ins.shape) {
		ins.shape = newShape
		m.propagateShapes(slices.Clone(ins.outputs))
	}
}

// ReplaceArgument makes ins use newInput wherever it used oldInput.
func (m *Module) ReplaceArgument(ins, oldInput, newInput *Instruction) {
	m.checkInstruction(ins, "ReplaceArgument")
	m.checkPrecede([]*Instruction{newInput}, ins, "ReplaceArgument")
	if !slices.Contains(ins.inputs, oldInput) {
		exceptions.Panicf("module %q: ReplaceArgument(%s): %s is not an input", m.name, ins, oldInput)
	}
	for i, input := range ins.inputs {
		if input == oldInput {
			ins.inputs[i] = newInput
		}
	}
	oldInput.removeOutput(ins)
	newInput.addOutput(ins)
	m.version++
	m.propagateShapes([]*Instruction{ins})
}

// propagateShapes recomputes the shapes of the given instructions, and of their consumers if they change.
// Instructions are recomputed in module order, so all inputs of an instruction are up-to-date when it is visited.
func (m *Module) propagateShapes(worklist []*Instruction) {
	if len(worklist) == 0 {
		return
	}
	dirty := sets.MakeWith(worklist...)
	start := worklist[0]
	for _, ins := range worklist {
		if m.precedes(ins, start) {
			start = ins
		}
	}
	for ins := start; ins != nil && len(dirty) > 0; ins = ins.next {
		if !dirty.Remove(ins) {
			continue
		}
		newShape := m.computeShape(ins, ins.op, ins.inputs, ins.submodules)
		if newShape.Equal(ins.shape) {
			continue
		}
		ins.shape = newShape
		dirty.Insert(ins.outputs...)
	}
}

// MoveInstruction moves ins to right before the given instruction.
//
// It panics if the move would break the topological order: all inputs of ins must precede the new position,
// and all its consumers must follow it.
func (m *Module) MoveInstruction(ins, before *Instruction) *Instruction {
	m.checkInstruction(ins, "MoveInstruction")
	m.checkInstruction(before, "MoveInstruction")
	if ins == before || ins.next == before {
		return ins
	}
	if ins.Name() == ReturnName {
		exceptions.Panicf("module %q: cannot move the %s", m.name, ReturnName)
	}
	for _, input := range ins.inputs {
		if !m.precedes(input, before) {
			exceptions.Panicf("module %q: MoveInstruction(%s): input %s doesn't precede %s", m.name, ins, input, before)
		}
	}
	for _, out := range ins.outputs {
		if out != before && !m.precedes(before, out) {
			exceptions.Panicf("module %q: MoveInstruction(%s): consumer %s would precede it", m.name, ins, out)
		}
	}
	m.unlink(ins)
	m.link(ins, before)
	return ins
}

// RemoveInstruction removes ins from the module. It panics if ins still has consumers.
func (m *Module) RemoveInstruction(ins *Instruction) {
	m.checkInstruction(ins, "RemoveInstruction")
	if len(ins.outputs) > 0 {
		exceptions.Panicf("module %q: cannot remove %s, it is still used by %s", m.name, ins, ins.outputs[0])
	}
	for _, input := range ins.inputs {
		input.outputs = slices.DeleteFunc(input.outputs, func(out *Instruction) bool { return out == ins })
	}
	m.unlink(ins)
	ins.module = nil
}

// AddInstructions copies the given instructions (usually from another module) to the end of the module,
// remapping their inputs through imap. See InsertInstructions.
func (m *Module) AddInstructions(list []*Instruction, imap *InstructionMap) []*Instruction {
	return m.InsertInstructions(nil, list, imap)
}

// AddModuleInstructions copies all instructions of src to the end of the module. See InsertInstructions.
func (m *Module) AddModuleInstructions(src *Module, imap *InstructionMap) []*Instruction {
	return m.InsertInstructions(nil, src.Instructions(), imap)
}

// InsertInstructions copies the given instructions, in order, before the given instruction (or at the end,
// if before is nil). Each copied instruction is recorded in imap, and the inputs of the copies are
// looked up in imap: they must have been mapped before (e.g. outer values mapped to parameters),
// or be among the copied instructions.
//
// Instructions already in imap are not copied. A @return is not copied: instead, the mapped values it
// returns are the result. Otherwise, the result is the copy of the last instruction.
// Parameters not yet mapped are added as new parameters with the same name.
func (m *Module) InsertInstructions(before *Instruction, list []*Instruction, imap *InstructionMap) []*Instruction {
	var outputs []*Instruction
	mapInputs := func(src *Instruction) []*Instruction {
		inputs := make([]*Instruction, len(src.inputs))
		for i, input := range src.inputs {
			mapped, found := imap.Lookup(input)
			if !found {
				exceptions.Panicf("module %q: copying %s: input #%d (%s) is not mapped", m.name, src, i, input)
			}
			inputs[i] = mapped
		}
		return inputs
	}
	returnFound := false
	for _, src := range list {
		if imap.Has(src) {
			continue
		}
		var copied *Instruction
		switch op := src.op.(type) {
		case returnOp:
			outputs = mapInputs(src)
			returnFound = true
			continue
		case paramOp:
			copied = m.AddParameter(op.name, op.shape)
		case literalOp:
			copied = m.AddLiteral(op.value)
		case outlineOp:
			copied = m.AddOutline(op.shape)
		default:
			copied = m.InsertInstructionWithModules(before, src.op, mapInputs(src), src.submodules)
		}
		imap.Set(src, copied)
	}
	if !returnFound && len(list) > 0 {
		last, _ := imap.Lookup(list[len(list)-1])
		outputs = []*Instruction{last}
	}
	return outputs
}
