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
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
)

// TestStage is a stage that records execution and writes its output
// artifact so downstream input checks pass.
type TestStage struct {
	name   string
	inputs []string
	output string

	mu          sync.Mutex
	executed    bool
	returnError error
	skipWrite   bool
}

func NewTestStage(name string, inputs []string, output string) *TestStage {
	return &TestStage{name: name, inputs: inputs, output: output}
}

func (s *TestStage) Name() string     { return s.name }
func (s *TestStage) Inputs() []string { return s.inputs }
func (s *TestStage) Output() string   { return s.output }

func (s *TestStage) Run(ctx context.Context, rc *RunContext) error {
	s.mu.Lock()
	s.executed = true
	s.mu.Unlock()

	if s.returnError != nil {
		return s.returnError
	}
	if s.skipWrite {
		return nil
	}

	store, err := rc.OpenArtifact(s.output)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range rc.InstanceIDs() {
		if rc.Config.SkipExisting && store.Has(id) {
			continue
		}
		rec, err := artifact.NewRecord(id, map[string]string{"stage": s.name})
		if err != nil {
			return err
		}
		if err := store.Append(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *TestStage) WasExecuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

func (s *TestStage) WithError(err error) *TestStage {
	s.returnError = err
	return s
}

func (s *TestStage) WithoutOutputWrite() *TestStage {
	s.skipWrite = true
	return s
}

func testRunContext(t *testing.T) *RunContext {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ResultsRoot = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	ds := dataset.New("lite", []dataset.Instance{
		{InstanceID: "inst_a", Repo: "o/a"},
		{InstanceID: "inst_b", Repo: "o/b"},
	})

	return &RunContext{
		Config:  cfg,
		Dataset: ds,
	}
}

// --- Builder Tests ---

func TestBuilder_Build_Linear(t *testing.T) {
	plan, err := NewBuilder().
		AddStage(NewTestStage("A", nil, "a/out.jsonl")).
		AddStage(NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")).
		AddStage(NewTestStage("C", []string{"b/out.jsonl"}, "c/out.jsonl")).
		Build()

	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := plan.Order(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("Order() = %v, want [A B C]", got)
	}
	if deps := plan.Dependencies("C"); !reflect.DeepEqual(deps, []string{"B"}) {
		t.Errorf("Dependencies(C) = %v, want [B]", deps)
	}
}

func TestBuilder_Build_RegistrationOrderBreaksTies(t *testing.T) {
	// B and C both depend only on A; registration order must decide.
	plan, err := NewBuilder().
		AddStage(NewTestStage("A", nil, "a/out.jsonl")).
		AddStage(NewTestStage("C", []string{"a/out.jsonl"}, "c/out.jsonl")).
		AddStage(NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")).
		AddStage(NewTestStage("D", []string{"b/out.jsonl", "c/out.jsonl"}, "d/out.jsonl")).
		Build()

	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := []string{"A", "C", "B", "D"}
	if got := plan.Order(); !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
}

func TestBuilder_Build_Empty(t *testing.T) {
	_, err := NewBuilder().Build()
	if !errors.Is(err, ErrNoStages) {
		t.Errorf("error = %v, want %v", err, ErrNoStages)
	}
}

func TestBuilder_AddStage_Nil(t *testing.T) {
	_, err := NewBuilder().AddStage(nil).Build()
	if !errors.Is(err, ErrNilStage) {
		t.Errorf("error = %v, want %v", err, ErrNilStage)
	}
}

func TestBuilder_Build_DuplicateName(t *testing.T) {
	_, err := NewBuilder().
		AddStage(NewTestStage("A", nil, "a/out.jsonl")).
		AddStage(NewTestStage("A", nil, "a2/out.jsonl")).
		Build()

	if !errors.Is(err, ErrDuplicateStage) {
		t.Errorf("error = %v, want %v", err, ErrDuplicateStage)
	}
}

func TestBuilder_Build_DuplicateOutput(t *testing.T) {
	_, err := NewBuilder().
		AddStage(NewTestStage("A", nil, "shared/out.jsonl")).
		AddStage(NewTestStage("B", nil, "shared/out.jsonl")).
		Build()

	if !errors.Is(err, ErrDuplicateOutput) {
		t.Errorf("error = %v, want %v", err, ErrDuplicateOutput)
	}
}

func TestBuilder_Build_UnknownInput(t *testing.T) {
	_, err := NewBuilder().
		AddStage(NewTestStage("A", []string{"nobody/writes/this.jsonl"}, "a/out.jsonl")).
		Build()

	if !errors.Is(err, ErrUnknownInput) {
		t.Errorf("error = %v, want %v", err, ErrUnknownInput)
	}
}

func TestBuilder_Build_Cycle(t *testing.T) {
	_, err := NewBuilder().
		AddStage(NewTestStage("A", []string{"c/out.jsonl"}, "a/out.jsonl")).
		AddStage(NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")).
		AddStage(NewTestStage("C", []string{"b/out.jsonl"}, "c/out.jsonl")).
		Build()

	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("error = %v, want %v", err, ErrCycleDetected)
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Errorf("error should be CycleError, got %T", err)
	}
}

// --- Executor Tests ---

func TestExecutor_Run_Sequential(t *testing.T) {
	stageA := NewTestStage("A", nil, "a/out.jsonl")
	stageB := NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")

	plan, err := NewBuilder().AddStage(stageA).AddStage(stageB).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	rc := testRunContext(t)
	report, err := NewExecutor(nil).Run(context.Background(), plan, rc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !report.Success {
		t.Error("report.Success = false, want true")
	}
	if !stageA.WasExecuted() || !stageB.WasExecuted() {
		t.Error("not all stages executed")
	}
	for i, want := range []StageStatus{StatusCompleted, StatusCompleted} {
		if report.Stages[i].Status != want {
			t.Errorf("stage %d status = %q, want %q", i, report.Stages[i].Status, want)
		}
	}

	// Both artifacts must hold one record per instance.
	for _, handle := range []string{"a/out.jsonl", "b/out.jsonl"} {
		store, err := artifact.OpenFile(rc.ArtifactPath(handle), nil)
		if err != nil {
			t.Fatalf("OpenFile(%s) error = %v", handle, err)
		}
		if store.Count() != 2 {
			t.Errorf("%s record count = %d, want 2", handle, store.Count())
		}
		store.Close()
	}
}

func TestExecutor_Run_FailFast(t *testing.T) {
	boom := errors.New("boom")
	stageA := NewTestStage("A", nil, "a/out.jsonl").WithError(boom)
	stageB := NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")

	plan, err := NewBuilder().AddStage(stageA).AddStage(stageB).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	report, err := NewExecutor(nil).Run(context.Background(), plan, testRunContext(t))
	if err == nil {
		t.Fatal("Run() should fail")
	}
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.StageName != "A" {
		t.Errorf("error should be StageError for A, got %v", err)
	}

	if stageB.WasExecuted() {
		t.Error("downstream stage ran after failure")
	}
	if report.FailedStage != "A" {
		t.Errorf("FailedStage = %q, want A", report.FailedStage)
	}
	if report.Stages[0].Status != StatusFailed {
		t.Errorf("stage A status = %q, want failed", report.Stages[0].Status)
	}
	if report.Stages[1].Status != StatusPending {
		t.Errorf("stage B status = %q, want pending", report.Stages[1].Status)
	}
}

func TestExecutor_Run_MissingInputArtifact(t *testing.T) {
	// A completes without writing its artifact; B must not start.
	stageA := NewTestStage("A", nil, "a/out.jsonl").WithoutOutputWrite()
	stageB := NewTestStage("B", []string{"a/out.jsonl"}, "b/out.jsonl")

	plan, err := NewBuilder().AddStage(stageA).AddStage(stageB).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, err = NewExecutor(nil).Run(context.Background(), plan, testRunContext(t))
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("error = %v, want %v", err, ErrMissingInput)
	}
	if stageB.WasExecuted() {
		t.Error("stage B ran without its input artifact")
	}
}

func TestExecutor_Run_CanceledContext(t *testing.T) {
	plan, err := NewBuilder().
		AddStage(NewTestStage("A", nil, "a/out.jsonl")).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewExecutor(nil).Run(ctx, plan, testRunContext(t))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestExecutor_Run_NilArguments(t *testing.T) {
	if _, err := NewExecutor(nil).Run(nil, nil, nil); err == nil { //nolint:staticcheck
		t.Error("Run() should reject nil context")
	}

	plan, _ := NewBuilder().AddStage(NewTestStage("A", nil, "a/out.jsonl")).Build()
	if _, err := NewExecutor(nil).Run(context.Background(), plan, nil); err == nil {
		t.Error("Run() should reject nil run context")
	}
}

func TestExecutor_Run_ResumeSkipsExisting(t *testing.T) {
	stageA := NewTestStage("A", nil, "a/out.jsonl")
	plan, err := NewBuilder().AddStage(stageA).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	rc := testRunContext(t)
	if _, err := NewExecutor(nil).Run(context.Background(), plan, rc); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	before, err := os.ReadFile(rc.ArtifactPath("a/out.jsonl"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}

	// Second run with the same results root must leave bytes untouched.
	if _, err := NewExecutor(nil).Run(context.Background(), plan, rc); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	after, err := os.ReadFile(rc.ArtifactPath("a/out.jsonl"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(before) != string(after) {
		t.Error("resumed run rewrote existing artifact records")
	}
}

// --- Config Tests ---

func TestConfig_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Dataset != "swe-bench-lite" {
		t.Errorf("Dataset = %q, want swe-bench-lite", cfg.Dataset)
	}
	if cfg.Threads != 10 || cfg.RepairThreads != 2 {
		t.Errorf("Threads/RepairThreads = %d/%d, want 10/2", cfg.Threads, cfg.RepairThreads)
	}
	if cfg.TopN != 3 || cfg.LocSamples != 4 || cfg.RepairSamples != 10 || cfg.ReproductionSamples != 40 {
		t.Errorf("sampling defaults = %d/%d/%d/%d, want 3/4/10/40",
			cfg.TopN, cfg.LocSamples, cfg.RepairSamples, cfg.ReproductionSamples)
	}
	if !cfg.SkipExisting {
		t.Error("SkipExisting default = false, want true")
	}
}

func TestConfig_Validate_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threads", func(c *Config) { c.Threads = 0 }},
		{"zero repair threads", func(c *Config) { c.RepairThreads = 0 }},
		{"empty dataset", func(c *Config) { c.Dataset = "" }},
		{"empty results root", func(c *Config) { c.ResultsRoot = "" }},
		{"negative loc samples", func(c *Config) { c.LocSamples = -1 }},
		{"temperature out of range", func(c *Config) { c.Temperature = 3 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want %v", err, ErrInvalidConfig)
			}
		})
	}
}
