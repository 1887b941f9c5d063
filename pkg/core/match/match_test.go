package match

import (
	"testing"

	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildModule creates: relu(add(x, multibroadcast(literal 1))), returned.
func buildModule() (m *ir.Module, x, lit, bcast, add, relu *ir.Instruction) {
	m = ir.NewProgram().MainModule()
	x = m.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3))
	lit = m.AddLiteral(tensors.FromScalar(dtypes.Float32, 1))
	bcast = m.AddInstruction(ops.MultiBroadcast(2, 3), lit)
	add = m.AddInstruction(ops.Add(), x, bcast)
	relu = m.AddInstruction(ops.Relu(), add)
	m.AddReturn(relu)
	return
}

func TestCombinators(t *testing.T) {
	_, x, lit, bcast, add, relu := buildModule()

	assert.True(t, Matches(Name("add", "sub"), add))
	assert.False(t, Matches(Name("sub"), add))
	assert.True(t, Matches(Any(), x))
	assert.False(t, Matches(None(), x))
	assert.False(t, Matches(Matcher{}, x))
	assert.True(t, Matches(UsedOnce(), add))
	assert.True(t, Matches(IsConstant(), bcast))
	assert.False(t, Matches(IsConstant(), add))
	assert.True(t, Matches(HasType(dtypes.Float32), relu))
	assert.True(t, Matches(HasTrait(ir.TraitPointwise), relu))
	assert.True(t, Matches(Not(Name("relu")), add))
	assert.True(t, Matches(NumInputs(2), add))

	r, ok := Match(Name("relu").And(Arg(0, Name("add").Bind("add"))), relu)
	require.True(t, ok)
	assert.Equal(t, relu, r.Root)
	assert.Equal(t, add, r.Get("add"))

	// Skip through the broadcast to the literal.
	r, ok = Match(Arg(1, SkipBroadcasts(Name(ir.LiteralName).Bind("lit"))), add)
	require.True(t, ok)
	assert.Equal(t, lit, r.Get("lit"))
	assert.Equal(t, lit, SkipThrough(bcast, "broadcast", "multibroadcast"))
	assert.Equal(t, x, SkipThrough(x, "broadcast"))

	assert.True(t, Matches(AnyOfInputs(Name("multibroadcast")), add))
	assert.False(t, Matches(AllOfInputs(Name("multibroadcast")), add))
	assert.True(t, Matches(AnyOfOutputs(Name("relu")), add))
	assert.True(t, Matches(Args(Name(ir.ParamName), Name("multibroadcast")), add))
	assert.False(t, Matches(Args(Name(ir.ParamName)), add))
	assert.False(t, Matches(Arg(2, Any()), add))
}

func TestBindingRollback(t *testing.T) {
	_, x, _, bcast, add, _ := buildModule()

	// The first branch binds "a" and then fails: its binding must not survive.
	m := Either(
		All(Arg(0, Any().Bind("a")), Name("sub")),
		Arg(1, Any().Bind("b")),
	)
	r, ok := Match(m, add)
	require.True(t, ok)
	assert.Nil(t, r.Get("a"))
	assert.Equal(t, bcast, r.Get("b"))

	// The first satisfied branch wins.
	r, ok = Match(Either(Arg(0, Any().Bind("first")), Arg(1, Any().Bind("second"))), add)
	require.True(t, ok)
	assert.Equal(t, x, r.Get("first"))
	assert.Nil(t, r.Get("second"))

	// Binding the same name to different instructions fails.
	_, ok = Match(All(Arg(0, Any().Bind("v")), Arg(1, Any().Bind("v"))), add)
	assert.False(t, ok)

	// Relating two instructions of the pattern.
	sameShape := func(bound, ins *ir.Instruction) bool { return bound != nil && bound.Shape().EqualDimensions(ins.Shape()) }
	_, ok = Match(Arg(0, Any().Bind("first")).And(Arg(1, PredBound("first", sameShape))), add)
	assert.True(t, ok)
	_, ok = Match(Arg(1, PredBound("first", sameShape)), add)
	assert.False(t, ok)

	// Not never binds.
	r, ok = Match(Not(Arg(0, Name("sub").Bind("n"))), add)
	require.True(t, ok)
	assert.Empty(t, r.Instructions)
}

func TestFindMatches(t *testing.T) {
	m, x, _, _, add, relu := buildModule()

	// Replace relu(add(...)) by a neg of x, and count the rules applied.
	var applied []string
	rules := []Rule{
		NewRule("relu_of_add", Name("relu").And(Arg(0, Name("add").Bind("add"))), func(m *ir.Module, r Result) {
			applied = append(applied, "relu_of_add")
			neg := m.InsertInstruction(r.Root, ops.Neg(), x)
			m.ReplaceInstruction(r.Root, neg)
			m.RemoveInstruction(r.Root)
		}),
		NewRule("any_relu", Name("relu"), func(*ir.Module, Result) {
			applied = append(applied, "any_relu")
		}),
		NewRule("add", Name("add"), func(m *ir.Module, r Result) {
			applied = append(applied, "add")
			// Reentrant matching is a structural violation.
			require.Panics(t, func() { FindMatches(m) })
		}),
	}
	FindMatches(m, rules...)
	assert.Equal(t, []string{"add", "relu_of_add"}, applied)
	assert.Nil(t, relu.Module())
	assert.Equal(t, "neg", m.Returns()[0].Name())
	assert.Empty(t, add.Outputs())
	require.NoError(t, m.Validate())
}
