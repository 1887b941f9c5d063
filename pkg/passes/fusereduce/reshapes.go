package fusereduce

import (
	"slices"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/gomlx/graphopt/pkg/passes"
	"github.com/gomlx/graphopt/pkg/support/sets"
	"k8s.io/klog/v2"
)

// NormalizeReshapes is the pass that rewrites the fused_reduce regions whose inputs are all reshapes of values
// with a common base shape, where the reshapes only merge consecutive axes of the base shape: the region is
// computed on the base shape instead, followed by a reshape to the original output dimensions.
//
// Inside the region, reduced axes are remapped to the axes of the base shape they were merged from, broadcasts
// are remapped to the base dimensions, and pointwise operations are unchanged.
type NormalizeReshapes struct{}

func (NormalizeReshapes) Name() string { return "normalize_fused_reshapes" }

func (NormalizeReshapes) Apply(mpm *passes.ModulePassManager) {
	m := mpm.Module()
	for ins := m.First(); ins != nil; {
		next := ins.Next()
		if ins.Name() == ops.FusedReduceName {
			normalizeReshapes(mpm, ins)
		}
		ins = next
	}
}

// axesMapping maps the axes of a shape (the reshaped dimensions) to groups of consecutive axes of
// a base shape.
type axesMapping struct {
	base, reshaped []int
	groups         [][]int
}

// newAxesMapping returns the mapping of the axes of reshaped to the axes of base, if reshaped only merges
// consecutive axes of base. Axes of base with dimension 1 are merged into the previous group.
func newAxesMapping(base, reshaped []int) (*axesMapping, bool) {
	mapping := &axesMapping{base: base, reshaped: reshaped, groups: make([][]int, len(reshaped))}
	axis := 0
	for i, want := range reshaped {
		product := 1
		var group []int
		for axis < len(base) {
			if product == want && len(group) > 0 && base[axis] != 1 {
				break
			}
			if product*base[axis] > want {
				break
			}
			product *= base[axis]
			group = append(group, axis)
			axis++
		}
		if product != want || len(group) == 0 {
			return nil, false
		}
		mapping.groups[i] = group
	}
	if axis != len(base) {
		return nil, false
	}
	return mapping, true
}

// mapDims maps dimensions with the rank of the reshaped shape, where each dimension is either the reshaped
// dimension or 1, to the base rank.
func (mapping *axesMapping) mapDims(dims []int) ([]int, bool) {
	if len(dims) != len(mapping.reshaped) {
		return nil, false
	}
	var mapped []int
	for i, dim := range dims {
		switch dim {
		case mapping.reshaped[i]:
			for _, axis := range mapping.groups[i] {
				mapped = append(mapped, mapping.base[axis])
			}
		case 1:
			for range mapping.groups[i] {
				mapped = append(mapped, 1)
			}
		default:
			return nil, false
		}
	}
	return mapped, true
}

// mapAxes returns the sorted union of the base axes the given axes were merged from.
func (mapping *axesMapping) mapAxes(axes []int) []int {
	set := sets.Make[int]()
	for _, axis := range axes {
		for _, baseAxis := range mapping.groups[axis] {
			set.Insert(baseAxis)
		}
	}
	return sets.Sorted(set)
}

// mapOperator returns the operator of ins remapped to the base shape, if supported.
func (mapping *axesMapping) mapOperator(ins *ir.Instruction) (ir.Operator, bool) {
	op := ins.Operator()
	switch typed := op.(type) {
	case ops.ReduceOp:
		for _, axis := range typed.Axes {
			if axis < 0 || axis >= len(mapping.reshaped) {
				return nil, false
			}
		}
		return ops.Reduce(typed.OpName, mapping.mapAxes(typed.Axes)...), true
	case ops.MultiBroadcastOp:
		if ins.Input(0).Shape().Rank() != len(typed.OutLens) {
			return nil, false
		}
		outLens, ok := mapping.mapDims(typed.OutLens)
		if !ok {
			return nil, false
		}
		return ops.MultiBroadcast(outLens...), true
	}
	if ir.HasTrait(op, ir.TraitPointwise) {
		return op, true
	}
	return nil, false
}

// canMap returns whether all instructions of sm can be remapped to the base shape.
func (mapping *axesMapping) canMap(sm *ir.Module) bool {
	for ins := sm.First(); ins != nil; ins = ins.Next() {
		switch ins.Name() {
		case ir.ReturnName:
			continue
		case ir.ParamName, ir.LiteralName:
		default:
			if _, ok := mapping.mapOperator(ins); !ok {
				return false
			}
		}
		if _, ok := mapping.mapDims(ins.Shape().Dimensions); !ok {
			return false
		}
	}
	return true
}

// mapModule creates a copy of sm on the base shape, in module dst.
func (mapping *axesMapping) mapModule(sm, dst *ir.Module) {
	imap := ir.NewInstructionMap()
	mapInputs := func(ins *ir.Instruction) []*ir.Instruction {
		inputs := make([]*ir.Instruction, ins.NumInputs())
		for i, input := range ins.Inputs() {
			inputs[i] = imap.Get(input)
		}
		return inputs
	}
	for ins := sm.First(); ins != nil; ins = ins.Next() {
		var mapped *ir.Instruction
		switch ins.Name() {
		case ir.ReturnName:
			dst.AddReturn(mapInputs(ins)...)
			continue
		case ir.ParamName:
			dims, _ := mapping.mapDims(ins.Shape().Dimensions)
			mapped = dst.AddParameter(ins.ParameterName(), shapes.Make(ins.Shape().DType, dims...))
		case ir.LiteralName:
			value := ins.Literal()
			dims, _ := mapping.mapDims(value.Shape().Dimensions)
			mapped = dst.AddLiteral(tensors.FromShapeAndValues(shapes.Make(value.DType(), dims...), value.Flat()))
		default:
			op, _ := mapping.mapOperator(ins)
			mapped = dst.AddInstruction(op, mapInputs(ins)...)
		}
		imap.Set(ins, mapped)
	}
}

// normalizeReshapes rewrites the fused region ins on the base shape of its reshaped inputs, if possible.
func normalizeReshapes(mpm *passes.ModulePassManager, ins *ir.Instruction) {
	op, ok := ins.Operator().(ops.FusedReduceOp)
	if !ok || ins.NumInputs() == 0 {
		return
	}
	var base []int
	bases := make([]*ir.Instruction, ins.NumInputs())
	for i, input := range ins.Inputs() {
		if input.Name() != "reshape" {
			return
		}
		bases[i] = input.Input(0)
		dims := bases[i].Shape().Dimensions
		if base == nil {
			base = dims
		} else if !slices.Equal(base, dims) {
			return
		}
	}
	reshaped := ins.Input(0).Shape().Dimensions
	if slices.Equal(base, reshaped) {
		return
	}
	mapping, ok := newAxesMapping(base, reshaped)
	if !ok {
		return
	}
	sm := ins.Submodules()[0]
	if !mapping.canMap(sm) {
		klog.V(2).Infof("fuse_reduce: region %q can't be computed on the base shape %v", sm.Name(), base)
		return
	}

	m := mpm.Module()
	nm := mpm.CreateModule(sm.Name() + ":base")
	nm.SetBypass(true)
	mapping.mapModule(sm, nm)
	fused := m.InsertInstructionWithModules(ins, ops.FusedReduce(mapping.mapAxes(op.Axes)...), bases, []*ir.Module{nm})
	reshapedBack := m.InsertInstruction(ins, ops.Reshape(ins.Shape().Dimensions...), fused)
	m.ReplaceInstruction(ins, reshapedBack)
	klog.V(2).Infof("fuse_reduce: region %q computed on the base shape %v as %q", sm.Name(), base, nm.Name())
}
