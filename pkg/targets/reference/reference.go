// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reference implements the "ref" target: a portable target whose kernels are evaluated by the IR
// interpreter, writing into explicitly allocated buffers (destination-passing style).
//
// Its pipeline is simplify_qdq, fuse_reduce, lower and eliminate_concat. It can be configured with the
// following options (e.g. "ref:fuse_reduce_rounds=2,eliminate_concat=false"):
//
//   - simplify_qdq: whether to simplify quantize/dequantize chains. Default is true.
//   - fuse_reduce_rounds: maximum number of reduce fusion rounds. 0 disables the fusion. Default is 4.
//   - eliminate_concat: whether to eliminate concatenation copies. Default is true.
//   - non_packed_output: whether kernels may write to non-packed (strided) slices of a concatenation.
//     Default is true.
package reference

import (
	"fmt"

	"github.com/gomlx/graphopt/pkg/passes"
	"github.com/gomlx/graphopt/pkg/passes/eliminateconcat"
	"github.com/gomlx/graphopt/pkg/passes/fusereduce"
	"github.com/gomlx/graphopt/pkg/passes/simplifyqdq"
	"github.com/gomlx/graphopt/pkg/targets"
	"github.com/pkg/errors"
)

// TargetName of the reference target in the registry.
const TargetName = "ref"

// Options accepted by the reference target.
const (
	OptionSimplifyQDQ      = "simplify_qdq"
	OptionFuseReduceRounds = "fuse_reduce_rounds"
	OptionEliminateConcat  = "eliminate_concat"
	OptionNonPackedOutput  = "non_packed_output"
)

// Target is the reference target.
type Target struct {
	simplifyQDQ      bool
	fuseReduceRounds int
	eliminateConcat  bool
	concatOpt        concatOptimization
}

// Compile-time check that Target implements targets.Target.
var _ targets.Target = (*Target)(nil)

// New creates a reference target with the given options. Unknown options are an error.
func New(options targets.Options) (targets.Target, error) {
	if err := options.CheckKnown(OptionSimplifyQDQ, OptionFuseReduceRounds, OptionEliminateConcat, OptionNonPackedOutput); err != nil {
		return nil, err
	}
	t := &Target{}
	var err error
	if t.simplifyQDQ, err = options.Bool(OptionSimplifyQDQ, true); err != nil {
		return nil, err
	}
	if t.fuseReduceRounds, err = options.Int(OptionFuseReduceRounds, fusereduce.DefaultRounds); err != nil {
		return nil, err
	}
	if t.fuseReduceRounds < 0 {
		return nil, errors.Errorf("option %s=%d must be >= 0", OptionFuseReduceRounds, t.fuseReduceRounds)
	}
	if t.eliminateConcat, err = options.Bool(OptionEliminateConcat, true); err != nil {
		return nil, err
	}
	if t.concatOpt.nonPackedOutput, err = options.Bool(OptionNonPackedOutput, true); err != nil {
		return nil, err
	}
	return t, nil
}

// Register the reference target in the registry.
func Register(r *targets.Registry) {
	r.Register(TargetName, New)
}

func (t *Target) Name() string { return TargetName }

func (t *Target) Description() string {
	return fmt.Sprintf("reference target (%s=%v, %s=%d, %s=%v, %s=%v)",
		OptionSimplifyQDQ, t.simplifyQDQ, OptionFuseReduceRounds, t.fuseReduceRounds,
		OptionEliminateConcat, t.eliminateConcat, OptionNonPackedOutput, t.concatOpt.nonPackedOutput)
}

func (t *Target) Allocation() targets.AllocationModel { return allocationModel{} }

// ConcatOptimization returns the concatenation kernels policy of the target.
func (t *Target) ConcatOptimization() targets.ConcatOptimization { return t.concatOpt }

func (t *Target) Passes() []passes.Pass {
	var pipeline []passes.Pass
	if t.simplifyQDQ {
		pipeline = append(pipeline, simplifyqdq.New())
	}
	if t.fuseReduceRounds > 0 {
		pipeline = append(pipeline, fusereduce.New(t.fuseReduceRounds))
	}
	pipeline = append(pipeline, Lower{})
	if t.eliminateConcat {
		pipeline = append(pipeline, eliminateconcat.New(t.concatOpt))
	}
	return pipeline
}
