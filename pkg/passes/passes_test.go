package passes

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/dtypes"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/ops"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/core/tensors"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func TestEliminateDeadCode(t *testing.T) {
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", f32(4))
	unused := m.AddParameter("unused", f32(4))
	one := m.AddLiteral(tensors.FromScalar(dtypes.Float32, 1, 4))
	add := m.AddInstruction(ops.Add(), x, one)
	// Chain of dead instructions: removing the last makes the others dead.
	dead0 := m.AddInstruction(ops.Exp(), x)
	m.AddInstruction(ops.Neg(), m.AddInstruction(ops.Relu(), dead0))
	m.AddReturn(add)

	require.Equal(t, 8, m.Len())
	assert.Equal(t, 3, EliminateDeadCode(m))
	assert.Equal(t, 5, m.Len())
	assert.Nil(t, dead0.Module())
	assert.Equal(t, m, unused.Module(), "parameters are kept")
	require.NoError(t, m.Validate())

	// Idempotent.
	version := m.Version()
	assert.Equal(t, 0, EliminateDeadCode(m))
	assert.Equal(t, version, m.Version())
}

func TestEliminateCommonSubexpressions(t *testing.T) {
	m := ir.NewProgram().MainModule()
	x := m.AddParameter("x", f32(2, 3))
	lit0 := m.AddLiteral(tensors.FromScalar(dtypes.Float32, 2, 2, 3))
	lit1 := m.AddLiteral(tensors.FromScalar(dtypes.Float32, 2, 2, 3))
	lit2 := m.AddLiteral(tensors.FromScalar(dtypes.Float32, 3, 2, 3))
	mul0 := m.AddInstruction(ops.Mul(), x, lit0)
	mul1 := m.AddInstruction(ops.Mul(), x, lit1)
	mul2 := m.AddInstruction(ops.Mul(), x, lit2)
	sum0 := m.AddInstruction(ops.ReduceSum(1), mul0)
	sum1 := m.AddInstruction(ops.ReduceSum(1), mul1)
	max0 := m.AddInstruction(ops.ReduceMax(1), mul1)
	alloc0 := m.AddInstruction(ops.Allocate(f32(2, 1)))
	alloc1 := m.AddInstruction(ops.Allocate(f32(2, 1)))
	m.AddReturn(sum0, sum1, max0, mul2, alloc0, alloc1)

	want, err := m.Evaluate(map[string]*tensors.Tensor{"x": tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)})
	require.NoError(t, err)

	// lit1 -> lit0, then mul1 -> mul0, then sum1 -> sum0.
	assert.Equal(t, 3, EliminateCommonSubexpressions(m))
	for _, ins := range []*ir.Instruction{lit1, mul1, sum1} {
		assert.Nil(t, ins.Module())
	}
	for _, ins := range []*ir.Instruction{lit2, mul2, max0, alloc0, alloc1} {
		assert.Equal(t, m, ins.Module())
	}
	returns := m.Returns()
	assert.Equal(t, sum0, returns[1])
	assert.Equal(t, mul0, max0.Input(0))
	require.NoError(t, m.Validate())

	got, err := m.Evaluate(map[string]*tensors.Tensor{"x": tensors.FromFlat(dtypes.Float32, []float32{1, 2, 3, 4, 5, 6}, 2, 3)})
	require.NoError(t, err)
	for i := range 4 {
		assert.True(t, want[i].Equal(got[i]), "output #%d", i)
	}
	assert.Equal(t, 0, EliminateCommonSubexpressions(m))
}

// countingPass replaces exp(exp(x)) by exp(x), once per application, and counts its applications.
type countingPass struct {
	count *int
}

func (p countingPass) Name() string { return "collapse_exp" }

func (p countingPass) Apply(mpm *ModulePassManager) {
	*p.count++
	m := mpm.Module()
	for ins := m.First(); ins != nil; ins = ins.Next() {
		if ins.Name() == "exp" && ins.Input(0).Name() == "exp" {
			m.ReplaceInstruction(ins, ins.Input(0))
			return
		}
	}
}

func TestRepeat(t *testing.T) {
	program := ir.NewProgram()
	m := program.MainModule()
	v := m.AddParameter("x", f32(3))
	for range 3 {
		v = m.AddInstruction(ops.Exp(), v)
	}
	m.AddReturn(v)

	var count int
	manager := NewManager()
	require.NoError(t, manager.Run(program, Repeat(10, countingPass{&count})))
	// Two rounds collapse the chain, and a third finds nothing to change.
	assert.Equal(t, 3, count)
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, "exp", m.Returns()[0].Name())

	stats := manager.Stats()
	require.NotEmpty(t, stats)
	assert.Equal(t, "repeat", stats[len(stats)-1].Pass)

	// Plain text rendering, without escape sequences.
	lipgloss.SetColorProfile(termenv.Ascii)
	table := StatsTable(stats)
	assert.NotContains(t, table, "\x1b[")
	assert.Contains(t, table, "collapse_exp")
	assert.Contains(t, table, "total")
}

func TestRunErrors(t *testing.T) {
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", f32(3))
	relu := m.AddInstruction(ops.Relu(), x)
	m.AddReturn(relu)

	// Removing an instruction still in use is a structural violation.
	broken := PassFunc("broken", func(mpm *ModulePassManager) {
		mpm.Module().RemoveInstruction(x)
	})
	err := NewManager().Run(program, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `pass "broken" on module "main"`)

	// Explicit panics from a pass are reported too.
	err = NewManager().RunModule(m, PassFunc("panics", func(*ModulePassManager) {
		exceptions.Panicf("invalid state")
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state")
}

func TestBypassModules(t *testing.T) {
	program := ir.NewProgram()
	m := program.MainModule()
	x := m.AddParameter("x", f32(2, 3))

	body := program.CreateModule("main:reduce_sum0")
	body.SetBypass(true)
	bx := body.AddParameter("x0", f32(2, 3))
	body.AddReturn(body.AddInstruction(ops.ReduceSum(1), body.AddInstruction(ops.Exp(), bx)))
	fused := m.AddInstructionWithModules(ops.FusedReduce(1), []*ir.Instruction{x}, []*ir.Module{body})
	m.AddReturn(fused)

	other := program.CreateModule("helper")
	other.AddReturn(other.AddParameter("y", f32(1)))

	var visited []string
	visit := PassFunc("visit", func(mpm *ModulePassManager) {
		visited = append(visited, mpm.Module().Name())
	})
	require.NoError(t, NewManager().Run(program, visit))
	assert.Equal(t, []string{"helper", "main"}, visited, "bypass modules are skipped, main is last")
	assert.NotNil(t, program.Module("main:reduce_sum0"))

	// Once the fused instruction is gone, its body is removed.
	unfuse := PassFunc("unfuse", func(mpm *ModulePassManager) {
		if mpm.Module() != m {
			return
		}
		m.ReplaceReturn(x)
	})
	require.NoError(t, NewManager().Run(program, unfuse))
	assert.Nil(t, program.Module("main:reduce_sum0"))
	assert.Nil(t, fused.Module())
	assert.Equal(t, 2, len(program.Modules()))
}
