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
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilStage is returned when a nil stage is provided.
	ErrNilStage = errors.New("stage must not be nil")

	// ErrNoStages is returned when building an empty plan.
	ErrNoStages = errors.New("plan has no stages")

	// ErrDuplicateStage is returned when adding a stage with an existing name.
	ErrDuplicateStage = errors.New("stage with this name already exists")

	// ErrDuplicateOutput is returned when two stages declare the same
	// output artifact.
	ErrDuplicateOutput = errors.New("output artifact already claimed by another stage")

	// ErrUnknownInput is returned when a stage declares an input artifact
	// no stage produces.
	ErrUnknownInput = errors.New("input artifact has no producing stage")

	// ErrCycleDetected is returned when stage dependencies form a cycle.
	ErrCycleDetected = errors.New("cycle detected in stage dependencies")

	// ErrMissingInput is returned at run time when a stage's input
	// artifact does not exist on disk.
	ErrMissingInput = errors.New("input artifact does not exist")

	// ErrInvalidConfig is returned when the run configuration fails
	// validation.
	ErrInvalidConfig = errors.New("invalid run configuration")

	// ErrSkipInstance signals that an instance has no work in this stage,
	// usually because an upstream stage never produced a record for it.
	// The per-instance runner drops the instance without marking it failed.
	ErrSkipInstance = errors.New("instance skipped")
)

// StageError wraps an error with the stage that caused it.
type StageError struct {
	StageName string
	Err       error
}

// Error returns the error message.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.StageName, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a StageError.
func NewStageError(stageName string, err error) *StageError {
	return &StageError{
		StageName: stageName,
		Err:       err,
	}
}

// CycleError provides details about a detected dependency cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Unwrap allows errors.Is checks against ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// FatalError marks an error inside a per-instance worker as unrecoverable
// for the whole stage. The runner aborts remaining instances instead of
// logging the failure and moving on.
type FatalError struct {
	Err error
}

// Error returns the error message.
func (e *FatalError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so the per-instance runner treats it as stage-fatal.
// Returns nil if err is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}
