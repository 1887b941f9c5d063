package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// CanEval returns whether the value of ins can be computed at compile time: it is a @literal, or its
// operator is an Evaluator without side effects and all its inputs can be evaluated.
//
// Instructions without inputs, other than literals (e.g. @param, allocations), are not evaluable.
func (ins *Instruction) CanEval() bool {
	return ins.canEval(make(map[*Instruction]bool))
}

func (ins *Instruction) canEval(memo map[*Instruction]bool) bool {
	if result, found := memo[ins]; found {
		return result
	}
	result := false
	switch {
	case ins.Name() == LiteralName:
		result = true
	case IsBuiltin(ins.Name()) || len(ins.inputs) == 0 || HasTrait(ins.op, TraitSideEffects):
		result = false
	default:
		_, isEvaluator := ins.op.(Evaluator)
		result = isEvaluator
		for _, input := range ins.inputs {
			if !result {
				break
			}
			result = input.canEval(memo)
		}
	}
	memo[ins] = result
	return result
}

// Eval computes the value of ins at compile time. It returns an error if it is not evaluable, see CanEval.
func (ins *Instruction) Eval() (*tensors.Tensor, error) {
	if !ins.CanEval() {
		return nil, errors.Errorf("instruction %s cannot be evaluated at compile time", ins)
	}
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = ins.eval(make(map[*Instruction]*tensors.Tensor))
	})
	return result, err
}

func (ins *Instruction) eval(memo map[*Instruction]*tensors.Tensor) *tensors.Tensor {
	if value, found := memo[ins]; found {
		return value
	}
	args := make([]*tensors.Tensor, len(ins.inputs))
	for i, input := range ins.inputs {
		args[i] = input.eval(memo)
	}
	value, err := ins.op.(Evaluator).Compute(ins.shape, args, ins.submodules)
	if err != nil {
		panic(errors.WithMessagef(err, "evaluating %s", ins))
	}
	memo[ins] = value
	return value
}

// Evaluate runs the module with the reference interpreter, with the given values for its parameters, and
// returns the values returned by the module.
//
// Instructions are computed in module order, so operators that write into their inputs (destination
// passing kernels, copies into slices of an allocation) see the effects of the previous instructions.
func (m *Module) Evaluate(params map[string]*tensors.Tensor) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		results = m.evaluate(params)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating module %q", m.name)
	}
	return results, nil
}

func (m *Module) evaluate(params map[string]*tensors.Tensor) []*tensors.Tensor {
	values := make(map[*Instruction]*tensors.Tensor, m.count)
	for ins := m.first; ins != nil; ins = ins.next {
		switch op := ins.op.(type) {
		case paramOp:
			value, found := params[op.name]
			if !found {
				panic(errors.Errorf("missing value for parameter %q", op.name))
			}
			if value.DType() != op.shape.DType || !slices.Equal(value.Shape().Dimensions, op.shape.Dimensions) {
				panic(errors.Errorf("value for parameter %q has shape %s, wanted %s", op.name, value.Shape(), op.shape))
			}
			values[ins] = value
			continue
		case returnOp:
			results := make([]*tensors.Tensor, len(ins.inputs))
			for i, input := range ins.inputs {
				results[i] = values[input]
			}
			return results
		case outlineOp:
			panic(errors.Errorf("%s has no value", ins))
		}
		evaluator, ok := ins.op.(Evaluator)
		if !ok {
			panic(errors.Errorf("operator %q of %s cannot be evaluated", ins.Name(), ins))
		}
		args := make([]*tensors.Tensor, len(ins.inputs))
		for i, input := range ins.inputs {
			args[i] = values[input]
		}
		value, err := evaluator.Compute(ins.shape, args, ins.submodules)
		if err != nil {
			panic(errors.WithMessagef(err, "evaluating %s", ins))
		}
		values[ins] = value
	}
	panic(errors.Errorf("module has no %s", ReturnName))
}
