package ir

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/support/sets"
	"github.com/pkg/errors"
)

// Validate checks the invariants of the module:
//
//   - There is exactly one @return, and it is the last instruction.
//   - Every input of an instruction belongs to the module and precedes it.
//   - The outputs of every instruction are the exact inverse of the inputs.
//   - The shape of every instruction is the one inferred by its operator from its inputs and submodules.
func (m *Module) Validate() error {
	if m.Return() == nil {
		return errors.Errorf("module %q: it doesn't end with a %s", m.name, ReturnName)
	}
	seen := sets.Make[*Instruction](m.count)
	count := 0
	for ins := m.first; ins != nil; ins = ins.next {
		count++
		if ins.module != m {
			return errors.Errorf("module %q: instruction %s is linked but belongs to another module", m.name, ins)
		}
		if ins.Name() == ReturnName && ins != m.last {
			return errors.Errorf("module %q: %s is not the last instruction", m.name, ins)
		}
		for i, input := range ins.inputs {
			if input.module != m {
				return errors.Errorf("module %q: input #%d of %s belongs to another module", m.name, i, ins)
			}
			if !seen.Has(input) {
				return errors.Errorf("module %q: input #%d (%s) of %s doesn't precede it", m.name, i, input, ins)
			}
			if !slices.Contains(input.outputs, ins) {
				return errors.Errorf("module %q: %s is missing from the outputs of its input %s", m.name, ins, input)
			}
		}
		for _, out := range ins.outputs {
			if out.module != m || !slices.Contains(out.inputs, ins) {
				return errors.Errorf("module %q: output %s of %s doesn't use it as input", m.name, out, ins)
			}
		}
		if len(sets.MakeWith(ins.outputs...)) != len(ins.outputs) {
			return errors.Errorf("module %q: outputs of %s are not unique", m.name, ins)
		}
		for i, sm := range ins.submodules {
			if sm.program != m.program {
				return errors.Errorf("module %q: submodule #%d of %s doesn't belong to the program", m.name, i, ins)
			}
		}
		shape, err := ins.op.ComputeShape(ins.InputShapes(), ins.submodules)
		if err != nil {
			return errors.WithMessagef(err, "module %q: shape inference of %s", m.name, ins)
		}
		if !shape.Equal(ins.shape) {
			return errors.Errorf("module %q: %s has shape %s, but its operator infers %s", m.name, ins, ins.shape, shape)
		}
		seen.Insert(ins)
	}
	if count != m.count {
		return errors.Errorf("module %q: has %d instructions linked, but counted %d", m.name, count, m.count)
	}
	return nil
}
