// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
)

// Attributes of an operator, keyed by name. Values are plain Go values (int, []int, string, dtypes.DType,
// shapes.Shape, float64, bool), compared with reflect.DeepEqual.
type Attributes map[string]any

// String returns the attributes sorted by key, formatted as "key=value, ...".
func (a Attributes) String() string {
	parts := make([]string, 0, len(a))
	for _, key := range slices.Sorted(maps.Keys(a)) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, a[key]))
	}
	return strings.Join(parts, ", ")
}

// Operator describes what an instruction computes: its name, attributes and shape-inference rule.
//
// Operators are immutable values: passes create new ones instead of changing them.
type Operator interface {
	// Name of the operator, e.g. "add", "reduce_sum". Names starting with "@" are reserved for builtins.
	Name() string

	// Attributes that parametrize the operator. It may return nil.
	Attributes() Attributes

	// ComputeShape returns the output shape given the shapes of the inputs and the submodules
	// referenced by the instruction.
	ComputeShape(inputs []shapes.Shape, submodules []*Module) (shapes.Shape, error)
}

// Evaluator is implemented by operators that can be computed by the reference interpreter.
type Evaluator interface {
	// Compute the result for the given output shape and argument values.
	//
	// The result may be a view of one of the arguments, for operators that alias their output.
	Compute(output shapes.Shape, args []*tensors.Tensor, submodules []*Module) (*tensors.Tensor, error)
}

// OutputAliaser is implemented by operators whose output is stored in the storage of one of their inputs.
type OutputAliaser interface {
	// OutputAlias returns the index of the input whose storage the output uses, or -1 if none.
	OutputAlias(inputs []shapes.Shape) int
}

// Trait is a bit set of properties of an operator used by the optimization passes.
type Trait uint32

const (
	// TraitPointwise marks operators that compute each output element from the elements at the same
	// indices of their inputs, all with the same dimensions as the output.
	TraitPointwise Trait = 1 << iota

	// TraitReduce marks reductions over the axes given by the "axes" attribute.
	TraitReduce

	// TraitLayout marks operators that only change how the data is laid out (views or relayouts).
	TraitLayout

	// TraitSideEffects marks operators that can't be removed even if their result is not used.
	TraitSideEffects
)

// Traiter is implemented by operators that have traits.
type Traiter interface {
	Traits() Trait
}

// TraitsOf returns the traits of the operator, or 0 if it doesn't implement Traiter.
func TraitsOf(op Operator) Trait {
	if t, ok := op.(Traiter); ok {
		return t.Traits()
	}
	return 0
}

// HasTrait returns whether the operator has all the given traits.
func HasTrait(op Operator, traits Trait) bool {
	return TraitsOf(op)&traits == traits
}

// OperatorEqual returns whether both operators have the same name and equal attributes.
func OperatorEqual(a, b Operator) bool {
	if a.Name() != b.Name() {
		return false
	}
	attrsA, attrsB := a.Attributes(), b.Attributes()
	if len(attrsA) == 0 && len(attrsB) == 0 {
		return true
	}
	return reflect.DeepEqual(attrsA, attrsB)
}

// OperatorString returns the name of the operator followed by its attributes, if any.
func OperatorString(op Operator) string {
	attrs := op.Attributes()
	if len(attrs) == 0 {
		return op.Name()
	}
	return fmt.Sprintf("%s[%s]", op.Name(), attrs)
}
