package ir

import (
	"github.com/gomlx/exceptions"
)

// InstructionMap is a correspondence between instructions of two modules, used while copying instructions
// from one module to another: typically from outer values to the parameters of a submodule being built,
// and from the instructions of a source submodule to their copies.
//
// It keeps the reverse mapping too, since several source instructions may map to the same destination.
// It is scoped to one transformation and shouldn't be kept after it.
type InstructionMap struct {
	forward map[*Instruction]*Instruction
	reverse map[*Instruction][]*Instruction
}

// NewInstructionMap creates an empty InstructionMap.
func NewInstructionMap() *InstructionMap {
	return &InstructionMap{
		forward: make(map[*Instruction]*Instruction),
		reverse: make(map[*Instruction][]*Instruction),
	}
}

// Set maps from to to, replacing any previous mapping of from.
func (imap *InstructionMap) Set(from, to *Instruction) {
	if previous, found := imap.forward[from]; found {
		sources := imap.reverse[previous]
		for i, src := range sources {
			if src == from {
				imap.reverse[previous] = append(sources[:i:i], sources[i+1:]...)
				break
			}
		}
	}
	imap.forward[from] = to
	imap.reverse[to] = append(imap.reverse[to], from)
}

// Lookup returns the instruction mapped from from.
func (imap *InstructionMap) Lookup(from *Instruction) (*Instruction, bool) {
	to, found := imap.forward[from]
	return to, found
}

// Get returns the instruction mapped from from, or nil.
func (imap *InstructionMap) Get(from *Instruction) *Instruction {
	return imap.forward[from]
}

// Has returns whether from is mapped.
func (imap *InstructionMap) Has(from *Instruction) bool {
	_, found := imap.forward[from]
	return found
}

// Len returns the number of mapped instructions.
func (imap *InstructionMap) Len() int { return len(imap.forward) }

// Sources returns the instructions mapped to to, in the order they were mapped.
func (imap *InstructionMap) Sources(to *Instruction) []*Instruction {
	return imap.reverse[to]
}

// Inputs recovers the outer values of the parameters of the submodule sm: for each parameter of sm,
// in parameter order, it returns the instruction of the parent module mapped to it.
//
// It panics if some parameter has no corresponding instruction in parent.
func (imap *InstructionMap) Inputs(sm, parent *Module) []*Instruction {
	params := sm.Parameters()
	inputs := make([]*Instruction, 0, len(params))
	for _, param := range params {
		var outer *Instruction
		for _, src := range imap.reverse[param] {
			if src.module == parent {
				outer = src
				break
			}
		}
		if outer == nil {
			exceptions.Panicf("module %q: parameter %q has no corresponding value in module %q",
				sm.name, param.ParameterName(), parent.name)
		}
		inputs = append(inputs, outer)
	}
	return inputs
}
