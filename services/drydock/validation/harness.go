// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"sync"
)

// ErrHarnessUnavailable indicates the execution harness cannot be reached
// at all. This is a systemic failure: the run aborts instead of degrading
// record after record to unknown.
var ErrHarnessUnavailable = errors.New("execution harness unavailable")

// RunSpec describes one sandbox execution.
type RunSpec struct {
	// InstanceID selects the repository snapshot to check out.
	InstanceID string `json:"instance_id"`

	// RunID uniquely names this execution; the harness may use it for
	// workspace and log naming. Never reused within or across runs.
	RunID string `json:"run_id"`

	// Patch, when non-empty, is applied to the checkout before anything
	// runs. Empty means the unpatched repository.
	Patch string `json:"patch,omitempty"`

	// Tests are suite test identifiers to run. Empty means the full
	// suite.
	Tests []string `json:"tests,omitempty"`

	// Script, when non-empty, is a standalone test file executed from
	// the repository root (reproduction track).
	Script string `json:"script,omitempty"`
}

// RunResult reports the outcome of one sandbox execution.
type RunResult struct {
	// TestStatus maps each executed suite test to whether it passed.
	// Tests the harness could not run are absent, which callers treat
	// as failed.
	TestStatus map[string]bool `json:"test_status,omitempty"`

	// Output is the trailing combined output of a Script execution.
	Output string `json:"output,omitempty"`
}

// Harness is the sandboxed test-execution boundary.
//
// Description:
//
//	Implementations check out the instance's repository snapshot, apply
//	the patch if any, run the requested tests or script, and report the
//	observed outcomes. How the sandbox isolates the repository is the
//	implementation's business; this package only sequences executions
//	and interprets results.
//
// Outputs:
//   - RunResult: Observed outcomes. Meaningful only when error is nil.
//   - error: ErrHarnessUnavailable when the harness itself is down
//     (fatal); any other error marks this one execution as failed.
//
// Thread Safety: Implementations must be safe for concurrent use; the
// run stages issue up to the configured validation worker count of
// executions at once.
type Harness interface {
	Run(ctx context.Context, spec RunSpec) (RunResult, error)
}

// MockHarness is a scripted Harness for tests.
//
// Set RunFunc to script outcomes per spec, or Err to fail every run.
// Every received spec is recorded in order.
//
// Thread Safety: Safe for concurrent use.
type MockHarness struct {
	mu sync.Mutex

	// RunFunc, when set, produces the result for each run.
	RunFunc func(spec RunSpec) (RunResult, error)

	// Err, when set, fails every run.
	Err error

	Specs []RunSpec
}

func (m *MockHarness) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}

	m.mu.Lock()
	m.Specs = append(m.Specs, spec)
	fn, err := m.RunFunc, m.Err
	m.mu.Unlock()

	if err != nil {
		return RunResult{}, err
	}
	if fn != nil {
		return fn(spec)
	}
	return RunResult{}, nil
}

// CallCount returns the number of executions requested.
func (m *MockHarness) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Specs)
}
