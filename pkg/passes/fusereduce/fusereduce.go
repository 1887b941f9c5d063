// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusereduce implements the pass that fuses reductions with the pointwise operations around them
// into fused_reduce regions: one instruction whose single submodule (a bypass module) computes the whole
// region.
//
// The pass first wraps every reduction into its own region, and then repeatedly grows the regions:
//
//   - reduce then pointwise: a region feeding a pointwise operation absorbs it.
//   - pointwise then reduce: a pointwise operation feeding a region is absorbed by it.
//   - reduce then reduce: two chained regions reducing the same axes are merged.
//
// In the three cases the value may flow through a multibroadcast used only once, which is pulled into the
// region too.
package fusereduce

import (
	"slices"
	"strconv"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/match"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/passes"
	"k8s.io/klog/v2"
)

// DefaultRounds is the default number of rounds of the fusion rules.
const DefaultRounds = 4

// Pass fuses reductions with the pointwise operations around them.
type Pass struct {
	// Rounds is the maximum number of times the fusion rules are applied. Each round is followed by
	// dead-code elimination and the normalization of reshaped regions.
	Rounds int
}

// New creates the reduce fusion pass with the given maximum number of rounds.
func New(rounds int) Pass {
	return Pass{Rounds: rounds}
}

func (p Pass) Name() string { return "fuse_reduce" }

func (p Pass) Apply(mpm *passes.ModulePassManager) {
	createReduceModules(mpm)
	mpm.RunPass(passes.DeadCodeElimination{})
	rules := passes.PassFunc("fuse_reduce_rules", func(mpm *passes.ModulePassManager) {
		match.FindMatches(mpm.Module(), fusionRules(mpm)...)
	})
	mpm.RunPass(passes.Repeat(p.Rounds, rules, passes.DeadCodeElimination{}, NormalizeReshapes{}))
}

// reducer is implemented by the operators that reduce some axes.
type reducer interface {
	ReducedAxes() []int
}

// createReduceModules wraps every reduction of the module in its own fused_reduce region.
func createReduceModules(mpm *passes.ModulePassManager) {
	m := mpm.Module()
	n := 0
	for ins := m.First(); ins != nil; ins = ins.Next() {
		if !ir.HasTrait(ins.Operator(), ir.TraitReduce) || ins.NumInputs() != 1 {
			continue
		}
		op, ok := ins.Operator().(reducer)
		if !ok {
			continue
		}
		rm := mpm.CreateModule(m.Name() + ":" + ins.Name() + strconv.Itoa(n))
		n++
		rm.SetBypass(true)
		imap := ir.NewInstructionMap()
		rm.AddReturn(insertInstruction(rm, ins, imap))
		m.ReplaceInstructionWith(ins, ops.FusedReduce(op.ReducedAxes()...), ins.Inputs(), []*ir.Module{rm})
	}
}

func isBroadcast(ins *ir.Instruction) bool {
	return ins.Name() == "broadcast" || ins.Name() == "multibroadcast"
}

// usedOnceExceptBroadcast matches instructions with exactly one consumer, or with two consumers: the
// instruction bound to root and a broadcast whose only consumer is that same root.
func usedOnceExceptBroadcast(root string) match.Matcher {
	return match.PredBound(root, func(root, ins *ir.Instruction) bool {
		outputs := ins.Outputs()
		switch len(outputs) {
		case 1:
			return true
		case 2:
			return root != nil && slices.Contains(outputs, root) && slices.ContainsFunc(outputs, func(out *ir.Instruction) bool {
				return isBroadcast(out) && out.IsUsedOnce() && out.Outputs()[0] == root
			})
		}
		return false
	})
}

// bridge matches the value of m (bound to name), possibly seen through a multibroadcast used once, which
// is bound to "broadcast". root is the name bound to the instruction absorbing the value.
func bridge(m match.Matcher, name, root string) match.Matcher {
	absorbed := m.And(usedOnceExceptBroadcast(root)).Bind(name)
	return match.Either(
		absorbed,
		match.Name("multibroadcast").And(match.UsedOnce(), match.Arg(0, absorbed)).Bind("broadcast"),
	)
}

func isFusedReduce() match.Matcher { return match.Name(ops.FusedReduceName) }

func isPointwise() match.Matcher { return match.HasTrait(ir.TraitPointwise) }

// sameExternalDims returns whether the values that would become the inputs of a fused region all have the
// same dimensions: the inputs of the given instructions, other than the ones being fused.
func sameExternalDims(fused []*ir.Instruction, instructions ...*ir.Instruction) bool {
	var dims []int
	for _, ins := range instructions {
		for _, input := range ins.Inputs() {
			if slices.Contains(fused, input) {
				continue
			}
			if dims == nil {
				dims = input.Shape().Dimensions
			} else if !slices.Equal(dims, input.Shape().Dimensions) {
				return false
			}
		}
	}
	return true
}

// fusionRules returns the fusion rules, creating their modules in the program of mpm.
func fusionRules(mpm *passes.ModulePassManager) []match.Rule {
	return []match.Rule{
		match.NewRule("reduce_pointwise", isPointwise().Bind("root").And(match.AnyOfInputs(bridge(isFusedReduce(), "reduce", "root"))),
			func(m *ir.Module, r match.Result) { fuseReducePointwise(mpm, r) }),
		match.NewRule("pointwise_reduce", isFusedReduce().Bind("root").And(match.AnyOfInputs(bridge(isPointwise(), "pointwise", "root"))),
			func(m *ir.Module, r match.Result) { fusePointwiseReduce(mpm, r) }),
		match.NewRule("reduce_reduce", isFusedReduce().Bind("second").And(match.AnyOfInputs(bridge(
			isFusedReduce().And(match.PredBound("second", func(second, ins *ir.Instruction) bool {
				return second != ins && ir.OperatorEqual(second.Operator(), ins.Operator())
			})), "first", "second"))),
			func(m *ir.Module, r match.Result) { fuseReduceReduce(mpm, r) }),
	}
}

// bridged returns the instructions absorbed by a rule: the bound value and the broadcast, if any.
// A value used by the root both directly and through a broadcast brings the broadcast along.
func bridged(r match.Result, name string) (value, broadcast *ir.Instruction, fused []*ir.Instruction) {
	value = r.Get(name)
	broadcast = r.Get("broadcast")
	if broadcast == nil {
		for _, out := range value.Outputs() {
			if out != r.Root && isBroadcast(out) {
				broadcast = out
			}
		}
	}
	fused = []*ir.Instruction{value}
	if broadcast != nil {
		fused = append(fused, broadcast)
	}
	return
}

// fuseReducePointwise appends the pointwise root of the match to the region it consumes.
func fuseReducePointwise(mpm *passes.ModulePassManager, r match.Result) {
	m := mpm.Module()
	pw := r.Root
	reduce, broadcast, fused := bridged(r, "reduce")
	if !sameExternalDims(fused, reduce, pw) {
		klog.V(2).Infof("fuse_reduce: skipping %s, inputs with different dimensions", pw)
		return
	}
	rm := mpm.CreateModule(reduce.Submodules()[0].Name() + ":" + pw.Name())
	rm.SetBypass(true)
	imap := ir.NewInstructionMap()
	imap.Set(reduce, insertModule(rm, reduce, imap)[0])
	if broadcast != nil {
		insertInstruction(rm, broadcast, imap)
	}
	out := insertInstruction(rm, pw, imap)
	inputs := finishModule(rm, m, imap, out)
	m.ReplaceInstructionWith(pw, reduce.Operator(), inputs, []*ir.Module{rm})
	klog.V(2).Infof("fuse_reduce: fused %s into %s", pw.Name(), rm.Name())
}

// fusePointwiseReduce prepends the pointwise operation feeding the region at the root of the match.
func fusePointwiseReduce(mpm *passes.ModulePassManager, r match.Result) {
	m := mpm.Module()
	reduce := r.Root
	pw, broadcast, fused := bridged(r, "pointwise")
	if !sameExternalDims(fused, pw, reduce) {
		klog.V(2).Infof("fuse_reduce: skipping %s, inputs with different dimensions", reduce)
		return
	}
	rm := mpm.CreateModule(reduce.Submodules()[0].Name() + ":" + pw.Name() + "_input")
	rm.SetBypass(true)
	imap := ir.NewInstructionMap()
	imap.Set(pw, insertInstruction(rm, pw, imap))
	if broadcast != nil {
		insertInstruction(rm, broadcast, imap)
	}
	out := insertModule(rm, reduce, imap)[0]
	inputs := finishModule(rm, m, imap, out)
	m.ReplaceInstructionWith(reduce, reduce.Operator(), inputs, []*ir.Module{rm})
	klog.V(2).Infof("fuse_reduce: fused %s into %s", pw.Name(), rm.Name())
}

// fuseReduceReduce merges the region feeding the root of the match into it.
func fuseReduceReduce(mpm *passes.ModulePassManager, r match.Result) {
	m := mpm.Module()
	second := r.Root
	first, broadcast, fused := bridged(r, "first")
	if !sameExternalDims(fused, first, second) {
		klog.V(2).Infof("fuse_reduce: skipping %s, inputs with different dimensions", second)
		return
	}
	rm := mpm.CreateModule(first.Submodules()[0].Name() + ":reduce")
	rm.SetBypass(true)
	imap := ir.NewInstructionMap()
	imap.Set(first, insertModule(rm, first, imap)[0])
	if broadcast != nil {
		insertInstruction(rm, broadcast, imap)
	}
	out := insertModule(rm, second, imap)[0]
	inputs := finishModule(rm, m, imap, out)
	m.ReplaceInstructionWith(second, second.Operator(), inputs, []*ir.Module{rm})
	klog.V(2).Infof("fuse_reduce: merged %s into %s", first.Submodules()[0].Name(), rm.Name())
}
