// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package targets defines the policies a compilation target supplies to the optimization passes, and the
// Registry used to create targets by name.
//
// A target is configured with a string formatted as "<target_name>:<key>=<value>,<key>=<value>,...". The
// default configuration can be given by the environment variable GRAPHOPT_TARGET, see NewFromEnv.
package targets

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/graphopt/pkg/core/ir"
	"github.com/gomlx/graphopt/pkg/core/shapes"
	"github.com/gomlx/graphopt/pkg/passes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AllocationModel identifies the buffer allocation and buffer copy operators of a target.
// It is a read-only oracle queried by the passes that reason about aliasing.
type AllocationModel interface {
	// Name of the operator that allocates a buffer.
	Name() string

	// Copy is the name of the operator that copies a buffer (first input) into another (second input).
	Copy() string

	// Allocate returns the operator that allocates a buffer with the given shape.
	Allocate(shape shapes.Shape) ir.Operator

	// MakeCopy returns the copy operator.
	MakeCopy() ir.Operator
}

// GenericAllocationName is the name of the target-independent allocation operator, always recognized as an
// allocation in addition to AllocationModel.Name.
const GenericAllocationName = "allocate"

// IsAllocation returns whether ins allocates a buffer, according to the model.
func IsAllocation(model AllocationModel, ins *ir.Instruction) bool {
	name := ins.Name()
	return name == GenericAllocationName || name == model.Name()
}

// ConcatOptimization describes the concatenation kernels of a target, for the concat elimination pass.
type ConcatOptimization interface {
	// Allocation returns the allocation model of the target.
	Allocation() AllocationModel

	// ConcatAxis returns the concatenation axis if op is a concatenation kernel writing into a buffer given
	// as its last input.
	ConcatAxis(op ir.Operator) (axis int, ok bool)

	// SupportsNonPackedOutput returns whether the kernel of ins can write its output in a non-packed
	// (strided) buffer.
	SupportsNonPackedOutput(ins *ir.Instruction) bool
}

// Target is a compilation target: the pipeline of passes that prepares a program for it, and its policies.
type Target interface {
	// Name of the target.
	Name() string

	// Description is a longer description of the target, including its options.
	Description() string

	// Allocation returns the allocation model of the target.
	Allocation() AllocationModel

	// Passes returns the pipeline of passes, in order.
	Passes() []passes.Pass
}

// Compile runs the pipeline of the target over the program.
func Compile(target Target, program *ir.Program) error {
	manager := passes.NewManager()
	if err := manager.Run(program, target.Passes()...); err != nil {
		return errors.WithMessagef(err, "compiling program %s for target %q", program.ID(), target.Name())
	}
	if klog.V(1).Enabled() {
		klog.Infof("program %s compiled for target %q:\n%s", program.ID(), target.Name(), passes.StatsTable(manager.Stats()))
	}
	return nil
}

// Options are the key/value pairs of a target configuration.
type Options map[string]string

// Constructor creates a target from its options. It returns an error for unknown or invalid options.
type Constructor func(options Options) (Target, error)

// Registry maps target names to their constructors.
//
// The first registered target is the default one.
type Registry struct {
	constructors map[string]Constructor
	first        string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register a target constructor with the given name. It replaces any previous constructor with the same name.
func (r *Registry) Register(name string, constructor Constructor) {
	if len(r.constructors) == 0 {
		r.first = name
	}
	r.constructors[name] = constructor
}

// Names returns the names of the registered targets, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.constructors))
}

// ParseConfig splits a configuration "<target_name>:<key>=<value>,..." in the target name and its options.
// A key without "=<value>" is set to "true". The name may be empty.
func ParseConfig(config string) (name string, options Options, err error) {
	name = config
	options = make(Options)
	idx := strings.Index(config, ":")
	if idx == -1 {
		return
	}
	name = config[:idx]
	for _, part := range strings.Split(config[idx+1:], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return "", nil, errors.Errorf("invalid target configuration %q: empty option name in %q", config, part)
		}
		if !found {
			value = "true"
		}
		options[key] = strings.TrimSpace(value)
	}
	return
}

// Make creates a target from its configuration "<target_name>:<key>=<value>,...". If the target name is
// empty, the first registered target is used.
func (r *Registry) Make(config string) (Target, error) {
	if len(r.constructors) == 0 {
		return nil, errors.New("no targets registered")
	}
	name, options, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = r.first
	}
	constructor, found := r.constructors[name]
	if !found {
		return nil, errors.Errorf("unknown target %q for configuration %q, registered targets: %v", name, config, r.Names())
	}
	target, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating target %q", name)
	}
	return target, nil
}

// GRAPHOPT_TARGET is the environment variable with the default target configuration.
//
// The format is "<target_name>:<key>=<value>,...", see Registry.Make.
const GRAPHOPT_TARGET = "GRAPHOPT_TARGET"

// NewFromEnv creates the target configured by the environment variable GRAPHOPT_TARGET, or the first
// registered target with default options if it is not set.
func NewFromEnv(r *Registry) (Target, error) {
	config, found := os.LookupEnv(GRAPHOPT_TARGET)
	if found {
		klog.V(1).Infof("using target configuration %s=%q", GRAPHOPT_TARGET, config)
	}
	return r.Make(config)
}
