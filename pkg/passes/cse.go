package passes

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"k8s.io/klog/v2"
)

// Common-subexpression elimination: merge instructions that compute the same value.

// CommonSubexpressionElimination is the pass that merges duplicated instructions. See EliminateCommonSubexpressions.
type CommonSubexpressionElimination struct{}

func (CommonSubexpressionElimination) Name() string { return "common_subexpression_elimination" }

func (CommonSubexpressionElimination) Apply(mpm *ModulePassManager) {
	EliminateCommonSubexpressions(mpm.Module())
}

// dedupKey indexes the candidates of de-duplication: instructions with the same operator name
// and input structure.
type dedupKey struct {
	name       string
	inputCount int
	firstInput *ir.Instruction // nil if there are no inputs.
}

func makeDedupKey(ins *ir.Instruction) dedupKey {
	key := dedupKey{name: ins.Name(), inputCount: ins.NumInputs()}
	if ins.NumInputs() > 0 {
		key.firstInput = ins.Input(0)
	}
	return key
}

// isDedupCandidate returns whether ins may be merged with an identical instruction.
// Instructions without inputs other than literals (parameters, allocations) are distinct values even if identical.
func isDedupCandidate(ins *ir.Instruction) bool {
	name := ins.Name()
	if name == ir.LiteralName {
		return true
	}
	if ir.IsBuiltin(name) || ins.NumInputs() == 0 {
		return false
	}
	return !ir.HasTrait(ins.Operator(), ir.TraitSideEffects)
}

// equalInstructions returns whether both instructions compute the same value.
func equalInstructions(a, b *ir.Instruction) bool {
	if !slices.Equal(a.Inputs(), b.Inputs()) || !slices.Equal(a.Submodules(), b.Submodules()) {
		return false
	}
	if !a.Shape().Equal(b.Shape()) || !ir.OperatorEqual(a.Operator(), b.Operator()) {
		return false
	}
	if a.Name() == ir.LiteralName {
		return a.Literal().Equal(b.Literal())
	}
	return true
}

// EliminateCommonSubexpressions replaces every instruction identical to a previous one (same operator and
// attributes, same inputs and submodules, or equal literal values) by the previous one, and removes it.
//
// It returns the number of instructions merged.
func EliminateCommonSubexpressions(m *ir.Module) int {
	candidates := make(map[dedupKey][]*ir.Instruction)
	merged := 0
	for ins := m.First(); ins != nil; {
		next := ins.Next()
		if isDedupCandidate(ins) {
			key := makeDedupKey(ins)
			var found *ir.Instruction
			for _, candidate := range candidates[key] {
				if equalInstructions(candidate, ins) {
					found = candidate
					break
				}
			}
			if found != nil {
				m.ReplaceInstruction(ins, found)
				m.RemoveInstruction(ins)
				merged++
			} else {
				candidates[key] = append(candidates[key], ins)
			}
		}
		ins = next
	}
	if merged > 0 {
		klog.V(2).Infof("module %q: merged %d common subexpressions", m.Name(), merged)
	}
	return merged
}
