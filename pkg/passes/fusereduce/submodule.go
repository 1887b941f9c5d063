package fusereduce

import (
	"fmt"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/passes"
)

// Helpers to build the submodules of fused regions.
//
// The parameters of a submodule are named "x0", "x1", ... in the order they are added, and imap maps the
// outer (parent module) values to them. After the submodule is built, the inputs of the fused instruction
// are recovered from imap, in parameter order.

// insertParams adds a parameter to sm for every input of ins not yet mapped.
func insertParams(sm *ir.Module, ins *ir.Instruction, imap *ir.InstructionMap) {
	n := len(sm.Parameters())
	for _, input := range ins.Inputs() {
		if imap.Has(input) {
			continue
		}
		imap.Set(input, sm.AddParameter(fmt.Sprintf("x%d", n), input.Shape().Standard()))
		n++
	}
}

// insertInstruction copies ins into sm, adding parameters for its inputs not yet mapped.
// It returns the copy.
func insertInstruction(sm *ir.Module, ins *ir.Instruction, imap *ir.InstructionMap) *ir.Instruction {
	insertParams(sm, ins, imap)
	return sm.AddInstructions([]*ir.Instruction{ins}, imap)[0]
}

// insertModule copies the body of the fused instruction ins into sm, binding the parameters of its body to
// the values mapped from the inputs of ins. It returns the copies of the values returned by the body.
func insertModule(sm *ir.Module, ins *ir.Instruction, imap *ir.InstructionMap) []*ir.Instruction {
	insertParams(sm, ins, imap)
	body := ins.Submodules()[0]
	for i, param := range body.Parameters() {
		imap.Set(param, imap.Get(ins.Input(i)))
	}
	return sm.AddModuleInstructions(body, imap)
}

// finishModule adds the @return to sm, normalizes it, and returns the inputs of the fused instruction
// that uses it, recovered from imap.
func finishModule(sm, parent *ir.Module, imap *ir.InstructionMap, output *ir.Instruction) []*ir.Instruction {
	sm.AddReturn(output)
	passes.EliminateCommonSubexpressions(sm)
	passes.EliminateDeadCode(sm)
	return imap.Inputs(sm, parent)
}
