// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the pass manager that drives the optimization passes over a program, and the
// generic passes used by all pipelines: dead-code elimination and common-subexpression elimination.
//
// A Pass transforms one module at a time. The Manager runs each pass over every module of the program that
// is not a fusion body (bypass), followed by dead-code elimination, and then validates the IR invariants.
//
// Passes report structural violations (bugs that would leave the IR inconsistent) by panicking, usually
// through the ir.Module mutation methods. The Manager converts them to errors, annotated with the pass and
// module names.
package passes

import (
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is a transformation of one module.
type Pass interface {
	// Name of the pass, used for logging and statistics.
	Name() string

	// Apply the pass to mpm.Module().
	Apply(mpm *ModulePassManager)
}

// Manager runs passes over programs, collecting statistics.
//
// It is not safe for concurrent use.
type Manager struct {
	validate bool
	stats    []Stat
}

// NewManager creates a Manager that validates the program after each pass.
func NewManager() *Manager {
	return &Manager{validate: true}
}

// WithValidation sets whether the IR invariants are checked after each pass. It returns the Manager itself.
func (m *Manager) WithValidation(validate bool) *Manager {
	m.validate = validate
	return m
}

// Stats returns the statistics of the passes run so far, in order.
func (m *Manager) Stats() []Stat {
	return slices.Clone(m.stats)
}

// Run applies the passes, in order, to the program.
//
// Each pass is applied to every module that is not a bypass (fusion body) module, the main module last,
// followed by dead-code elimination. Bypass modules no longer referenced are removed from the program.
//
// It returns an error if a pass breaks the IR invariants, in which case the program is left in an
// undefined state.
func (m *Manager) Run(program *ir.Program, passes ...Pass) error {
	klog.V(1).Infof("program %s: running %d passes", program.ID(), len(passes))
	for _, pass := range passes {
		for _, module := range modulesToOptimize(program) {
			if module.Program() != program {
				// Removed by a previous pass.
				continue
			}
			if err := m.runPass(module, pass); err != nil {
				return err
			}
		}
		if err := m.finishPass(program, pass); err != nil {
			return err
		}
	}
	return nil
}

// RunModule applies the passes, in order, to one module only, each followed by dead-code elimination.
func (m *Manager) RunModule(module *ir.Module, passes ...Pass) error {
	for _, pass := range passes {
		if err := m.runPass(module, pass); err != nil {
			return err
		}
		if m.validate {
			if err := module.Validate(); err != nil {
				return errors.WithMessagef(err, "after pass %q", pass.Name())
			}
		}
	}
	return nil
}

// modulesToOptimize returns the non-bypass modules of the program, with the main module last.
func modulesToOptimize(program *ir.Program) []*ir.Module {
	main := program.MainModule()
	var modules []*ir.Module
	for _, module := range program.Modules() {
		if module.Bypass() || module == main {
			continue
		}
		modules = append(modules, module)
	}
	return append(modules, main)
}

// runPass applies pass to module, followed by dead-code elimination, converting panics to errors.
func (m *Manager) runPass(module *ir.Module, pass Pass) error {
	err := exceptions.TryCatch[error](func() {
		mpm := &ModulePassManager{manager: m, module: module}
		mpm.RunPass(pass)
	})
	if err != nil {
		return errors.WithMessagef(err, "pass %q on module %q", pass.Name(), module.Name())
	}
	return nil
}

// finishPass removes the unreferenced bypass modules and validates the program.
func (m *Manager) finishPass(program *ir.Program, pass Pass) error {
	err := exceptions.TryCatch[error](func() {
		RemoveUnusedModules(program)
	})
	if err != nil {
		return errors.WithMessagef(err, "removing unused modules after pass %q", pass.Name())
	}
	if !m.validate {
		return nil
	}
	for _, module := range program.Modules() {
		if err := module.Validate(); err != nil {
			return errors.WithMessagef(err, "after pass %q", pass.Name())
		}
	}
	return nil
}

// ModulePassManager is given to passes: it gives access to the module being transformed, and allows
// running further passes over it (e.g. bounded fixed-point loops).
type ModulePassManager struct {
	manager *Manager
	module  *ir.Module
}

// Module being transformed.
func (mpm *ModulePassManager) Module() *ir.Module { return mpm.module }

// Program owning the module, where new submodules can be created.
func (mpm *ModulePassManager) Program() *ir.Program { return mpm.module.Program() }

// CreateModule creates a new module in the program, with a unique name derived from the given one.
func (mpm *ModulePassManager) CreateModule(name string) *ir.Module {
	program := mpm.Program()
	return program.CreateModule(program.UniqueModuleName(name))
}

// RunPass applies pass to the module, followed by dead-code elimination, recording its statistics.
// Structural violations panic.
func (mpm *ModulePassManager) RunPass(pass Pass) {
	module := mpm.module
	before := module.Len()
	start := time.Now()
	pass.Apply(mpm)
	if _, isDCE := pass.(DeadCodeElimination); !isDCE {
		EliminateDeadCode(module)
	}
	stat := Stat{
		Pass:     pass.Name(),
		Module:   module.Name(),
		Before:   before,
		After:    module.Len(),
		Duration: time.Since(start),
	}
	mpm.manager.stats = append(mpm.manager.stats, stat)
	klog.V(1).Infof("pass %q on module %q: %d -> %d instructions in %s",
		stat.Pass, stat.Module, stat.Before, stat.After, stat.Duration)
	if klog.V(3).Enabled() {
		klog.Infof("module after pass %q:\n%s", pass.Name(), module)
	}
}

// Repeat returns a pass that applies the given passes, in order, up to n times: it stops earlier if a full
// round doesn't change the module.
func Repeat(n int, passes ...Pass) Pass {
	return repeatPass{n: n, passes: passes}
}

type repeatPass struct {
	n      int
	passes []Pass
}

func (p repeatPass) Name() string { return "repeat" }

func (p repeatPass) Apply(mpm *ModulePassManager) {
	for round := range p.n {
		version := mpm.Module().Version()
		for _, pass := range p.passes {
			mpm.RunPass(pass)
		}
		if mpm.Module().Version() == version {
			klog.V(2).Infof("module %q: fixed point reached after %d rounds", mpm.Module().Name(), round+1)
			return
		}
	}
}

// PassFunc adapts a function to a Pass.
func PassFunc(name string, fn func(mpm *ModulePassManager)) Pass {
	return funcPass{name: name, fn: fn}
}

type funcPass struct {
	name string
	fn   func(mpm *ModulePassManager)
}

func (p funcPass) Name() string                 { return p.name }
func (p funcPass) Apply(mpm *ModulePassManager) { p.fn(mpm) }
