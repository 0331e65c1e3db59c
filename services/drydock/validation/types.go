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
	"fmt"

	"github.com/google/uuid"

	"github.com/AleutianAI/drydock/services/drydock/matrix"
)

// Stage names, in pipeline order.
const (
	StageRegressionBaseline = "regression_baseline"
	StageRegressionSelect   = "regression_select"
	StageRegressionRun      = "regression_run"
	StageReproGenerate      = "reproduction_generate"
	StageReproVerify        = "reproduction_verify"
	StageReproSelect        = "reproduction_select"
	StageReproRun           = "reproduction_run"
)

// Artifact handles written by the validation stages, relative to the
// results root.
const (
	BaselineHandle          = "regression/baseline.jsonl"
	SelectedTestsHandle     = "regression/selected.jsonl"
	RegressionResultsHandle = "regression/results.jsonl"
	GeneratedHandle         = "reproduction/generated.jsonl"
	VerifiedHandle          = "reproduction/verified.jsonl"
	SelectedScriptHandle    = "reproduction/selected.jsonl"
	ReproResultsHandle      = "reproduction/results.jsonl"
)

// Track names the two independent test tracks.
type Track string

const (
	TrackRegression   Track = "regression"
	TrackReproduction Track = "reproduction"
)

// Status is the terminal outcome of one (candidate, track) execution.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"

	// StatusUnknown marks records that never produced a usable signal:
	// the candidate had no patch, no test was available, or the sandbox
	// run itself failed.
	StatusUnknown Status = "unknown"
)

// Record is the validation outcome for one candidate on one track.
//
// The (instance, Key, Track) identity is unique across the whole run:
// each track's results artifact holds at most one record per instance,
// and within it each candidate key appears once.
type Record struct {
	Key   matrix.CandidateKey `json:"key"`
	Track Track               `json:"track"`

	// Status is the terminal outcome.
	Status Status `json:"status"`

	// Tests maps each executed test to whether it passed. Nil when
	// nothing ran.
	Tests map[string]bool `json:"tests,omitempty"`

	// RunID is the harness execution identifier, kept for auditing.
	RunID string `json:"run_id,omitempty"`
}

// ResultSet is the per-instance payload of a track's results artifact:
// one record per candidate, in canonical key order.
type ResultSet struct {
	Records []Record `json:"records"`
}

// Get returns the record for a candidate key.
func (rs ResultSet) Get(key matrix.CandidateKey) (Record, bool) {
	for _, rec := range rs.Records {
		if rec.Key == key {
			return rec, true
		}
	}
	return Record{}, false
}

// TestSet is the per-instance payload of the baseline and selection
// stages: suite test identifiers, deterministic order.
type TestSet struct {
	Tests []string `json:"tests"`
}

// TestScript is one generated reproduction test.
type TestScript struct {
	// Sample is the generation index, dense in [0, N). Sample 0 is the
	// greedy generation.
	Sample int `json:"sample"`

	// Content is the extracted script. Empty when the reply carried no
	// usable code.
	Content string `json:"content"`

	Greedy bool `json:"greedy,omitempty"`
}

// ScriptSet is the per-instance payload of the generation and
// verification stages.
type ScriptSet struct {
	Scripts []TestScript `json:"scripts"`
}

// SelectedScript is the per-instance payload of the reproduction
// selection stage. A zero Weight means no generated test reproduced the
// issue; downstream candidates then validate to unknown.
type SelectedScript struct {
	Script TestScript `json:"script"`

	// Weight is the winning cluster size from the majority vote.
	Weight int `json:"weight"`

	// Voters are the sample indices that converged on the winner.
	Voters []int `json:"voters,omitempty"`
}

// CandidateRunID names one (candidate, track) harness execution.
//
// The identity pair is embedded so runs across the L×R space never
// collide; the counter makes repeats within a stage distinct and the
// random suffix guards against harness-side reuse across pipeline
// invocations.
//
// Example:
//
//	astropy__astropy-12907__loc2_repair7__regression_41__1a2b3c4d
func CandidateRunID(instanceID string, key matrix.CandidateKey, track Track, counter uint64) string {
	return fmt.Sprintf("%s__%s__%s_%d__%s", instanceID, key, track, counter, runNonce())
}

// InstanceRunID names an instance-level harness execution (baseline
// discovery, reproduction verification).
func InstanceRunID(instanceID, label string, counter uint64) string {
	return fmt.Sprintf("%s__%s_%d__%s", instanceID, label, counter, runNonce())
}

func runNonce() string {
	return uuid.NewString()[:8] // 32 bits of entropy
}
