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
	"time"
)

// Stage is one named pipeline step bound to artifact handles.
//
// Description:
//
//	A stage declares the artifacts it reads and the single artifact it
//	writes. Handles are results-root-relative paths; the executor derives
//	ordering from them and refuses to start a stage whose inputs are not
//	on disk. Run must leave the output artifact with exactly one record
//	per processed instance.
//
// Thread Safety:
//
//	The executor never runs two stages concurrently. A stage may
//	parallelize internally across instances.
type Stage interface {
	// Name returns the unique stage name, e.g. "file_localization".
	Name() string

	// Inputs returns the artifact handles this stage reads. Empty for
	// the first stage, which works directly off the dataset.
	Inputs() []string

	// Output returns the artifact handle this stage writes.
	Output() string

	// Run executes the stage against the run context.
	Run(ctx context.Context, rc *RunContext) error
}

// StageStatus represents the execution status of a stage.
type StageStatus string

const (
	// StatusPending indicates the stage hasn't started.
	StatusPending StageStatus = "pending"

	// StatusRunning indicates the stage is executing.
	StatusRunning StageStatus = "running"

	// StatusCompleted indicates successful completion.
	StatusCompleted StageStatus = "completed"

	// StatusFailed indicates the stage failed.
	StatusFailed StageStatus = "failed"
)

// StageResult records the outcome of one stage invocation.
type StageResult struct {
	// Name is the stage name.
	Name string `json:"name"`

	// Status is the terminal status of the stage.
	Status StageStatus `json:"status"`

	// Output is the stage's output artifact handle.
	Output string `json:"output"`

	// Duration is the stage execution time. Zero if never started.
	Duration time.Duration `json:"duration"`

	// Error is the error message if the stage failed.
	Error string `json:"error,omitempty"`
}

// Report is the outcome of a pipeline run.
type Report struct {
	// RunID is the unique identifier for this execution.
	RunID string `json:"run_id"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration"`

	// Success indicates whether every stage completed.
	Success bool `json:"success"`

	// Stages holds per-stage results in execution order. A run that
	// failed early carries pending entries for the stages never reached.
	Stages []StageResult `json:"stages"`

	// FailedStage is the stage that aborted the run, if any.
	FailedStage string `json:"failed_stage,omitempty"`

	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
}

// StagesRun returns the number of stages that reached a terminal state.
func (r *Report) StagesRun() int {
	n := 0
	for _, s := range r.Stages {
		if s.Status == StatusCompleted || s.Status == StatusFailed {
			n++
		}
	}
	return n
}
