// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"sort"
)

// -----------------------------------------------------------------------------
// FuncStage
// -----------------------------------------------------------------------------

// FuncStage wraps a function as a Stage.
//
// Description:
//
//	Most stages are a constructor closing over their collaborators (llm
//	client, retrieval index, harness) returning a FuncStage. This keeps
//	stage wiring in one place without a type per step.
type FuncStage struct {
	name   string
	inputs []string
	output string
	fn     func(ctx context.Context, rc *RunContext) error
}

// NewStage creates a FuncStage.
//
// Inputs:
//
//	name - Unique stage name.
//	inputs - Artifact handles read by the stage. May be empty.
//	output - Artifact handle written by the stage.
//	fn - The stage body. Must not be nil.
func NewStage(name string, inputs []string, output string, fn func(ctx context.Context, rc *RunContext) error) *FuncStage {
	return &FuncStage{
		name:   name,
		inputs: inputs,
		output: output,
		fn:     fn,
	}
}

// Name returns the stage name.
func (s *FuncStage) Name() string { return s.name }

// Inputs returns the input artifact handles.
func (s *FuncStage) Inputs() []string { return s.inputs }

// Output returns the output artifact handle.
func (s *FuncStage) Output() string { return s.output }

// Run executes the wrapped function.
func (s *FuncStage) Run(ctx context.Context, rc *RunContext) error {
	return s.fn(ctx, rc)
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder constructs a validated execution plan from stages.
//
// Description:
//
//	Stages bind to each other through artifact handles: a stage depends
//	on whichever stages produce its inputs. Build validates the wiring
//	(unique names, unique outputs, every input produced somewhere, no
//	cycles) and fixes a deterministic execution order.
//
// Thread Safety: NOT safe for concurrent use; build on one goroutine.
type Builder struct {
	stages []Stage
	err    error
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddStage adds a stage to the plan. Returns the builder for chaining.
// The first error sticks and is reported by Build.
func (b *Builder) AddStage(stage Stage) *Builder {
	if b.err != nil {
		return b
	}
	if stage == nil {
		b.err = ErrNilStage
		return b
	}
	if stage.Name() == "" {
		b.err = fmt.Errorf("%w: empty name", ErrNilStage)
		return b
	}
	b.stages = append(b.stages, stage)
	return b
}

// Build validates the stage wiring and returns an executable Plan.
//
// Description:
//
//	Ordering is a topological sort over the artifact dependency edges.
//	Among stages whose inputs are all satisfied, registration order
//	decides, so the resulting order is stable across runs.
//
// Outputs:
//
//	*Plan - The validated plan.
//	error - Non-nil on empty plans, duplicate names or outputs, inputs
//	        no stage produces, or dependency cycles.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stages) == 0 {
		return nil, ErrNoStages
	}

	byName := make(map[string]Stage, len(b.stages))
	producer := make(map[string]string, len(b.stages))
	for _, s := range b.stages {
		if _, exists := byName[s.Name()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name())
		}
		byName[s.Name()] = s

		out := s.Output()
		if out == "" {
			return nil, fmt.Errorf("stage %s: empty output handle", s.Name())
		}
		if owner, exists := producer[out]; exists {
			return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicateOutput, out, owner, s.Name())
		}
		producer[out] = s.Name()
	}

	// Dependency edges: stage -> producers of its inputs.
	deps := make(map[string][]string, len(b.stages))
	for _, s := range b.stages {
		for _, in := range s.Inputs() {
			from, ok := producer[in]
			if !ok {
				return nil, fmt.Errorf("%w: stage %s input %s", ErrUnknownInput, s.Name(), in)
			}
			deps[s.Name()] = append(deps[s.Name()], from)
		}
	}

	order, err := topoSort(b.stages, deps)
	if err != nil {
		return nil, err
	}

	ordered := make([]Stage, len(order))
	for i, name := range order {
		ordered[i] = byName[name]
	}
	return &Plan{stages: ordered, deps: deps}, nil
}

// topoSort is Kahn's algorithm with registration order as the tie-break.
func topoSort(stages []Stage, deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(stages))
	position := make(map[string]int, len(stages))
	for i, s := range stages {
		position[s.Name()] = i
		indegree[s.Name()] = 0
	}
	for name, ds := range deps {
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if !seen[d] {
				seen[d] = true
				indegree[name]++
			}
		}
	}

	dependents := make(map[string][]string, len(stages))
	for name, ds := range deps {
		seen := make(map[string]bool, len(ds))
		for _, d := range ds {
			if !seen[d] {
				seen[d] = true
				dependents[d] = append(dependents[d], name)
			}
		}
	}

	var ready []string
	for _, s := range stages {
		if indegree[s.Name()] == 0 {
			ready = append(ready, s.Name())
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return position[ready[i]] < position[ready[j]]
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(stages) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, NewCycleError(stuck)
	}
	return order, nil
}

// -----------------------------------------------------------------------------
// Plan
// -----------------------------------------------------------------------------

// Plan is a validated, ordered sequence of stages.
//
// Thread Safety: Safe for concurrent read access after Build.
type Plan struct {
	stages []Stage
	deps   map[string][]string
}

// Stages returns the stages in execution order.
func (p *Plan) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Order returns the stage names in execution order.
func (p *Plan) Order() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// StageCount returns the number of stages.
func (p *Plan) StageCount() int {
	return len(p.stages)
}

// Dependencies returns the stage names a stage waits on.
func (p *Plan) Dependencies(stageName string) []string {
	ds := p.deps[stageName]
	seen := make(map[string]bool, len(ds))
	var out []string
	for _, d := range ds {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}
