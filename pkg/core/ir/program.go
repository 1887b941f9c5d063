// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the graph intermediate representation rewritten by the optimization passes:
// Program, Module and Instruction, plus the Operator contract implemented by the operators in package ops.
//
// A Program owns named Modules. A Module is an ordered list of Instructions ending with exactly one
// @return instruction. Instructions refer to their inputs by handle, and the reverse (consumer) edges
// are kept consistent by every mutation method of Module.
//
// Violations of the IR invariants (e.g. using an instruction of another module as input, removing an
// instruction still in use, an operator that can't infer its shape) are bugs in the passes: they panic
// with exceptions.Panicf, and the pass manager converts them to errors.
package ir

import (
	"slices"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// MainModuleName is the name of the module created with every Program.
const MainModuleName = "main"

// Program is a collection of named modules, one of them the "main" module.
//
// It is not safe for concurrent use: a Program is owned by one compilation at a time.
type Program struct {
	id      uuid.UUID
	modules []*Module
	byName  map[string]*Module

	// nextInstructionID is the ID of the next instruction created in any module of the program.
	nextInstructionID int
}

// NewProgram creates a Program with an empty main module.
func NewProgram() *Program {
	p := &Program{
		id:     uuid.New(),
		byName: make(map[string]*Module),
	}
	p.CreateModule(MainModuleName)
	return p
}

// ID is a random identifier of the program, used to correlate log messages.
func (p *Program) ID() string { return p.id.String() }

// MainModule returns the "main" module.
func (p *Program) MainModule() *Module { return p.byName[MainModuleName] }

// Module returns the module with the given name, or nil if it doesn't exist.
func (p *Program) Module(name string) *Module { return p.byName[name] }

// Modules returns the modules in creation order.
func (p *Program) Modules() []*Module { return slices.Clone(p.modules) }

// CreateModule creates a new empty module. It panics if a module with the same name already exists.
func (p *Program) CreateModule(name string) *Module {
	if _, found := p.byName[name]; found {
		exceptions.Panicf("Program.CreateModule(%q): module already exists", name)
	}
	m := &Module{name: name, program: p}
	p.modules = append(p.modules, m)
	p.byName[name] = m
	return m
}

// UniqueModuleName returns name if there is no module with that name, otherwise name suffixed with
// the first free counter: name+"_1", name+"_2", etc.
func (p *Program) UniqueModuleName(name string) string {
	if _, found := p.byName[name]; !found {
		return name
	}
	for i := 1; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if _, found := p.byName[candidate]; !found {
			return candidate
		}
	}
}

// RemoveModule removes the module from the program. It panics if it is the main module or if
// it is still referenced by some instruction.
func (p *Program) RemoveModule(m *Module) {
	if m.name == MainModuleName {
		exceptions.Panicf("Program.RemoveModule(): cannot remove the main module")
	}
	if users := p.ModuleUsers(m); len(users) > 0 {
		exceptions.Panicf("Program.RemoveModule(%q): still referenced by %s", m.name, users[0])
	}
	p.modules = slices.DeleteFunc(p.modules, func(other *Module) bool { return other == m })
	delete(p.byName, m.name)
	m.program = nil
}

// ModuleUsers returns the instructions (of any module of the program) that reference m as a submodule.
func (p *Program) ModuleUsers(m *Module) []*Instruction {
	var users []*Instruction
	for _, other := range p.modules {
		for ins := other.first; ins != nil; ins = ins.next {
			if slices.Contains(ins.submodules, m) {
				users = append(users, ins)
			}
		}
	}
	return users
}

// NumInstructions returns the total number of instructions in all modules.
func (p *Program) NumInstructions() int {
	var count int
	for _, m := range p.modules {
		count += m.count
	}
	return count
}

func (p *Program) newInstructionID() int {
	id := p.nextInstructionID
	p.nextInstructionID++
	return id
}
