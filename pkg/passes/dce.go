package passes

import (
	"github.com/gomlx/graphopt/pkg/core/ir"
	"k8s.io/klog/v2"
)

// DeadCodeElimination is the pass that removes the instructions whose values are not used. See EliminateDeadCode.
type DeadCodeElimination struct{}

func (DeadCodeElimination) Name() string { return "dead_code_elimination" }

func (DeadCodeElimination) Apply(mpm *ModulePassManager) {
	EliminateDeadCode(mpm.Module())
}

// isRemovable returns whether ins can be removed when it has no consumers.
func isRemovable(ins *ir.Instruction) bool {
	switch ins.Name() {
	case ir.ParamName, ir.ReturnName:
		return false
	}
	return !ir.HasTrait(ins.Operator(), ir.TraitSideEffects)
}

// EliminateDeadCode removes, in reverse order, every instruction without consumers and without side effects.
// Parameters and the @return are always kept. Removing an instruction may leave its inputs without consumers:
// they are removed too, until no more instructions can be removed.
//
// It returns the number of instructions removed.
func EliminateDeadCode(m *ir.Module) int {
	removed := 0
	for {
		removedInSweep := 0
		for ins := m.Last(); ins != nil; {
			prev := ins.Prev()
			if len(ins.Outputs()) == 0 && isRemovable(ins) {
				m.RemoveInstruction(ins)
				removedInSweep++
			}
			ins = prev
		}
		if removedInSweep == 0 {
			break
		}
		removed += removedInSweep
	}
	if removed > 0 {
		klog.V(2).Infof("module %q: removed %d dead instructions", m.Name(), removed)
	}
	return removed
}

// RemoveUnusedModules removes the bypass (fusion body) modules that are not referenced by any instruction.
// It returns the number of modules removed.
func RemoveUnusedModules(program *ir.Program) int {
	removed := 0
	for {
		removedInSweep := 0
		for _, module := range program.Modules() {
			if !module.Bypass() || len(program.ModuleUsers(module)) > 0 {
				continue
			}
			program.RemoveModule(module)
			removedInSweep++
		}
		if removedInSweep == 0 {
			return removed
		}
		removed += removedInSweep
	}
}
