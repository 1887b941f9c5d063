package reference

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/passes"
	"k8s.io/klog/v2"
)

// Lower is the pass that rewrites the compute operators to reference kernels writing into explicitly
// allocated buffers.
//
// Views, identities, buffer operators and builtins are not lowered.
type Lower struct{}

func (Lower) Name() string { return "lower" }

// needsKernel returns whether the operator computes a new value, and hence needs a kernel and an output buffer.
func needsKernel(op ir.Operator) bool {
	if ir.IsBuiltin(op.Name()) || ir.HasTrait(op, ir.TraitSideEffects) {
		return false
	}
	switch op.(type) {
	case KernelOp, ops.AllocateOp:
		return false
	case ir.OutputAliaser:
		return false
	case ir.Evaluator:
		return true
	}
	return false
}

func (Lower) Apply(mpm *passes.ModulePassManager) {
	m := mpm.Module()
	model := allocationModel{}
	lowered := 0
	for ins := m.First(); ins != nil; ins = ins.Next() {
		op := ins.Operator()
		if !needsKernel(op) {
			continue
		}
		buffer := m.InsertInstruction(ins, model.Allocate(ins.Shape().Standard()))
		m.ReplaceInstructionWith(ins, Kernel(op), slices.Concat(ins.Inputs(), []*ir.Instruction{buffer}), ins.Submodules())
		lowered++
	}
	klog.V(2).Infof("lower: module %q, %d instructions lowered to reference kernels", m.Name(), lowered)
}
