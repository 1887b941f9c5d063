package ir

import (
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Names of the builtin operators.
const (
	LiteralName = "@literal"
	ParamName   = "@param"
	OutlineName = "@outline"
	ReturnName  = "@return"
)

// IsBuiltin returns whether the operator name is one of the builtins (starts with "@").
func IsBuiltin(name string) bool {
	return len(name) > 0 && name[0] == '@'
}

// literalOp owns constant data.
type literalOp struct {
	value *tensors.Tensor
}

func (op literalOp) Name() string           { return LiteralName }
func (op literalOp) Attributes() Attributes { return nil }

func (op literalOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", LiteralName, len(inputs))
	}
	return op.value.Shape(), nil
}

func (op literalOp) Compute(_ shapes.Shape, _ []*tensors.Tensor, _ []*Module) (*tensors.Tensor, error) {
	return op.value, nil
}

// paramOp is a named input of a module.
type paramOp struct {
	name  string
	shape shapes.Shape
}

func (op paramOp) Name() string { return ParamName }

func (op paramOp) Attributes() Attributes {
	return Attributes{"parameter": op.name, "shape": op.shape}
}

func (op paramOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", ParamName, len(inputs))
	}
	return op.shape, nil
}

// outlineOp is a placeholder with a shape but no data.
type outlineOp struct {
	shape shapes.Shape
}

func (op outlineOp) Name() string           { return OutlineName }
func (op outlineOp) Attributes() Attributes { return Attributes{"shape": op.shape} }

func (op outlineOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", OutlineName, len(inputs))
	}
	return op.shape, nil
}

// returnOp is the terminal instruction of a module. Its shape is the tuple of the returned shapes.
type returnOp struct{}

func (returnOp) Name() string           { return ReturnName }
func (returnOp) Attributes() Attributes { return nil }
func (returnOp) Traits() Trait          { return TraitSideEffects }

func (returnOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	return shapes.MakeTuple(inputs...), nil
}
