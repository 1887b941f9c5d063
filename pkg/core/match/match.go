// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package match implements declarative matchers over the IR: small predicates on an instruction and its
// inputs that compose into patterns, and bind names to the instructions they matched.
//
// A pattern is built with the combinators of this package, for instance:
//
//	m := match.Name("convolution", "dot").And(
//		match.Arg(0, match.SkipBroadcasts(match.Name("dequantizelinear").Bind("dq1"))),
//		match.Arg(1, match.Name("dequantizelinear").Bind("dq2")))
//
// and then used with Match on a single instruction, or with FindMatches to apply rules over a whole module.
// Bindings made by a branch that failed are rolled back, and Either commits to its first satisfied branch.
package match

import (
	"maps"
	"slices"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
)

// Result of a successful match: the instruction the pattern was matched against, and the instructions bound by name.
type Result struct {
	Root         *ir.Instruction
	Instructions map[string]*ir.Instruction
}

// Get returns the instruction bound to name, or nil.
func (r Result) Get(name string) *ir.Instruction {
	return r.Instructions[name]
}

// context of one match: the bindings made so far.
type context struct {
	bindings map[string]*ir.Instruction
}

func (ctx *context) snapshot() map[string]*ir.Instruction { return maps.Clone(ctx.bindings) }

func (ctx *context) restore(saved map[string]*ir.Instruction) { ctx.bindings = saved }

// Matcher is a predicate over an instruction. The zero value matches nothing.
type Matcher struct {
	fn func(ctx *context, ins *ir.Instruction) bool
}

// matches runs the matcher, restoring the bindings on failure.
func (m Matcher) matches(ctx *context, ins *ir.Instruction) bool {
	if m.fn == nil || ins == nil {
		return false
	}
	saved := ctx.snapshot()
	if !m.fn(ctx, ins) {
		ctx.restore(saved)
		return false
	}
	return true
}

// Match matches m against ins, and returns the result with the bindings, if it matched.
func Match(m Matcher, ins *ir.Instruction) (Result, bool) {
	ctx := &context{bindings: make(map[string]*ir.Instruction)}
	if !m.matches(ctx, ins) {
		return Result{}, false
	}
	return Result{Root: ins, Instructions: ctx.bindings}, true
}

// Matches returns whether m matches ins, discarding the bindings.
func Matches(m Matcher, ins *ir.Instruction) bool {
	_, ok := Match(m, ins)
	return ok
}

// And returns a matcher that requires m and all the given matchers to match.
func (m Matcher) And(ms ...Matcher) Matcher {
	return All(append([]Matcher{m}, ms...)...)
}

// Bind returns a matcher that, when m matches, binds name to the matched instruction.
// If name was already bound to a different instruction, it doesn't match.
func (m Matcher) Bind(name string) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		if !m.matches(ctx, ins) {
			return false
		}
		if previous, found := ctx.bindings[name]; found && previous != ins {
			return false
		}
		ctx.bindings[name] = ins
		return true
	}}
}

// Pred matches the instructions for which fn returns true.
func Pred(fn func(ins *ir.Instruction) bool) Matcher {
	return Matcher{fn: func(_ *context, ins *ir.Instruction) bool { return fn(ins) }}
}

// PredBound matches the instructions for which fn returns true, given the instruction previously bound to
// name (nil if name isn't bound). It is used to relate two instructions of a pattern.
func PredBound(name string, fn func(bound, ins *ir.Instruction) bool) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool { return fn(ctx.bindings[name], ins) }}
}

// Any matches any instruction.
func Any() Matcher { return Pred(func(*ir.Instruction) bool { return true }) }

// None matches no instruction.
func None() Matcher { return Pred(func(*ir.Instruction) bool { return false }) }

// Name matches instructions whose operator has one of the given names.
func Name(names ...string) Matcher {
	return Pred(func(ins *ir.Instruction) bool { return slices.Contains(names, ins.Name()) })
}

// HasTrait matches instructions whose operator has all the given traits.
func HasTrait(traits ir.Trait) Matcher {
	return Pred(func(ins *ir.Instruction) bool { return ir.HasTrait(ins.Operator(), traits) })
}

// UsedOnce matches instructions with exactly one consumer.
func UsedOnce() Matcher {
	return Pred(func(ins *ir.Instruction) bool { return ins.IsUsedOnce() })
}

// IsConstant matches instructions whose value can be computed at compile time.
func IsConstant() Matcher {
	return Pred(func(ins *ir.Instruction) bool { return ins.CanEval() })
}

// HasType matches instructions whose output has one of the given dtypes.
func HasType(types ...dtypes.DType) Matcher {
	return Pred(func(ins *ir.Instruction) bool { return slices.Contains(types, ins.Shape().DType) })
}

// NumInputs matches instructions with exactly n inputs.
func NumInputs(n int) Matcher {
	return Pred(func(ins *ir.Instruction) bool { return ins.NumInputs() == n })
}

// All matches if all the matchers match.
func All(ms ...Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		for _, m := range ms {
			if !m.matches(ctx, ins) {
				return false
			}
		}
		return true
	}}
}

// Either matches if any of the matchers match. The first one that matches is used, and the bindings
// of the branches tried before it are discarded.
func Either(ms ...Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		for _, m := range ms {
			if m.matches(ctx, ins) {
				return true
			}
		}
		return false
	}}
}

// Not matches if m doesn't match. It never binds anything.
func Not(m Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		saved := ctx.snapshot()
		matched := m.matches(ctx, ins)
		ctx.restore(saved)
		return !matched
	}}
}

// Arg matches instructions whose i-th input matches all the given matchers.
func Arg(i int, ms ...Matcher) Matcher {
	inner := All(ms...)
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		if i < 0 || i >= ins.NumInputs() {
			return false
		}
		return inner.matches(ctx, ins.Input(i))
	}}
}

// Args matches instructions with exactly len(ms) inputs, each matching the corresponding matcher.
func Args(ms ...Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		if ins.NumInputs() != len(ms) {
			return false
		}
		for i, m := range ms {
			if !m.matches(ctx, ins.Input(i)) {
				return false
			}
		}
		return true
	}}
}

// AnyOfInputs matches instructions where at least one input matches m. The first matching input is used.
func AnyOfInputs(m Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		for _, input := range ins.Inputs() {
			if m.matches(ctx, input) {
				return true
			}
		}
		return false
	}}
}

// AllOfInputs matches instructions where every input matches m.
func AllOfInputs(m Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		for _, input := range ins.Inputs() {
			if !m.matches(ctx, input) {
				return false
			}
		}
		return true
	}}
}

// AnyOfOutputs matches instructions where at least one consumer matches m.
func AnyOfOutputs(m Matcher) Matcher {
	return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
		for _, out := range ins.Outputs() {
			if m.matches(ctx, out) {
				return true
			}
		}
		return false
	}}
}

// Skip returns a function that builds a matcher that first walks through the chain of single-input
// instructions named with one of the given names (following their input), and then matches ms against
// the first instruction of the chain that is not skipped.
//
// For instance Skip("broadcast", "multibroadcast")(Name("@literal")) matches a literal, or a (possibly
// repeated) broadcast of a literal.
func Skip(names ...string) func(ms ...Matcher) Matcher {
	return func(ms ...Matcher) Matcher {
		inner := All(ms...)
		return Matcher{fn: func(ctx *context, ins *ir.Instruction) bool {
			return inner.matches(ctx, SkipThrough(ins, names...))
		}}
	}
}

// SkipBroadcasts is Skip("broadcast", "multibroadcast").
func SkipBroadcasts(ms ...Matcher) Matcher {
	return Skip("broadcast", "multibroadcast")(ms...)
}

// SkipThrough follows the input of the chain of single-input instructions named with one of the given names,
// and returns the first instruction that is not skipped.
func SkipThrough(ins *ir.Instruction, names ...string) *ir.Instruction {
	for ins.NumInputs() == 1 && slices.Contains(names, ins.Name()) {
		ins = ins.Input(0)
	}
	return ins
}
