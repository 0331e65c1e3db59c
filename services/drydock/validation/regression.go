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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/repair"
)

const (
	// maxBaselineTests bounds how many passing tests the selection
	// prompt lists.
	maxBaselineTests = 200

	// maxRegressionTests bounds the selected regression gate.
	maxRegressionTests = 50

	maxTokensSelect = 1024
)

const selectTemplate = `We are repairing the following issue in our repository.

### GitHub issue ###
%s

### Passing tests ###
%s

###

The tests above currently pass on the unmodified repository. Identify the
ones that should guard the fix against regressions. Leave out any test
whose observed behavior a correct fix would legitimately change. Reply
inside a triple-backtick block with one test identifier per line.`

// SelectPrompt builds the regression gate selection prompt.
func SelectPrompt(issue string, passing []string) string {
	if len(passing) > maxBaselineTests {
		passing = passing[:maxBaselineTests]
	}
	return fmt.Sprintf(selectTemplate, strings.TrimSpace(issue), strings.Join(passing, "\n"))
}

// ParseTestList filters model-proposed test identifiers against the
// baseline set. Output preserves baseline order, so the gate is
// deterministic no matter how the model orders its reply.
func ParseTestList(reply string, baseline []string) []string {
	proposed := make(map[string]bool)
	for _, line := range strings.Split(fencedBlock(reply), "\n") {
		if line = cleanTestLine(line); line != "" {
			proposed[line] = true
		}
	}

	var out []string
	for _, t := range baseline {
		if proposed[t] {
			out = append(out, t)
		}
	}
	return out
}

// fencedBlock returns the first triple-backtick block's content, or the
// whole reply when there is none. The language tag is dropped; an
// unclosed block runs to the end of the reply.
func fencedBlock(reply string) string {
	idx := strings.Index(reply, "```")
	if idx < 0 {
		return reply
	}
	rest := reply[idx+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return reply
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func cleanTestLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "- ")
	line = strings.TrimPrefix(line, "* ")
	return strings.Trim(line, "`\"' ")
}

// NewRegressionBaseline builds the stage that records, per instance, the
// suite tests passing on the unpatched repository.
//
// Description:
//
//	One full-suite harness run per instance; the passing tests are kept
//	sorted so repeated baselines are byte-identical. Declares the repair
//	artifacts as inputs purely for sequencing: validation starts only
//	after the full candidate fan-out exists.
func NewRegressionBaseline(harness Harness, locSamples int) pipeline.Stage {
	var counter atomic.Uint64

	return pipeline.NewStage(StageRegressionBaseline, candidateHandles(locSamples), BaselineHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			return pipeline.RunPerInstance(ctx, rc, BaselineHandle, rc.Config.ValidationWorkers,
				func(ctx context.Context, id string) (any, error) {
					spec := RunSpec{
						InstanceID: id,
						RunID:      InstanceRunID(id, "baseline", counter.Add(1)),
					}
					res, err := harness.Run(ctx, spec)
					if err != nil {
						if errors.Is(err, ErrHarnessUnavailable) {
							return nil, pipeline.Fatal(err)
						}
						return nil, err
					}
					return &TestSet{Tests: passingTests(res)}, nil
				})
		})
}

func passingTests(res RunResult) []string {
	var out []string
	for name, passed := range res.TestStatus {
		if passed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// NewRegressionSelect builds the stage that narrows each instance's
// baseline to the regression gate.
//
// Description:
//
//	The model sees the issue and the passing tests and proposes the
//	subset that should keep passing after a correct fix. Replies are
//	filtered against the baseline and capped; an unusable reply falls
//	back to the capped baseline so the gate never silently vanishes. An
//	empty baseline yields an empty gate, which downstream treats as
//	nothing to regress.
func NewRegressionSelect(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageRegressionSelect, []string{BaselineHandle}, SelectedTestsHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			baselines, err := artifact.LoadFile(rc.ArtifactPath(BaselineHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, SelectedTestsHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := baselines.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var base TestSet
					if err := rec.Decode(&base); err != nil {
						return nil, err
					}
					if len(base.Tests) == 0 {
						return &TestSet{}, nil
					}

					inst, ok := rc.Dataset.Get(id)
					if !ok {
						return nil, fmt.Errorf("instance %s not in dataset", id)
					}

					reply, err := client.Generate(ctx, SelectPrompt(inst.ProblemStatement, base.Tests),
						llm.GreedyParams(maxTokensSelect))
					if err != nil {
						return nil, err
					}

					selected := ParseTestList(reply, base.Tests)
					if len(selected) == 0 {
						selected = base.Tests
					}
					if len(selected) > maxRegressionTests {
						selected = selected[:maxRegressionTests]
					}
					return &TestSet{Tests: selected}, nil
				})
		})
}

// NewRegressionRun builds the stage that reruns each instance's gate
// against every candidate patch.
//
// Description:
//
//	Instances run one at a time; parallelism is across the L×R
//	candidates on the validation worker pool. A gate test passing at
//	baseline and failing under the patch fails the candidate. Candidates
//	without a patch validate to unknown without touching the sandbox; an
//	empty gate passes every candidate.
func NewRegressionRun(harness Harness, locSamples int) pipeline.Stage {
	inputs := append([]string{SelectedTestsHandle}, candidateHandles(locSamples)...)
	var counter atomic.Uint64

	return pipeline.NewStage(StageRegressionRun, inputs, RegressionResultsHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			selected, err := artifact.LoadFile(rc.ArtifactPath(SelectedTestsHandle), rc.Logger)
			if err != nil {
				return err
			}
			legs, err := loadCandidateLegs(rc, locSamples)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, RegressionResultsHandle, 1,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := selected.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var gate TestSet
					if err := rec.Decode(&gate); err != nil {
						return nil, err
					}

					cands := instanceCandidates(legs, id, rc.Logger)
					if len(cands) == 0 {
						return nil, pipeline.ErrSkipInstance
					}

					records, err := runCandidates(ctx, rc.Config.ValidationWorkers, cands,
						func(ctx context.Context, cand repair.Candidate) (Record, error) {
							return regressionRecord(ctx, harness, &counter, rc.Logger, id, gate.Tests, cand)
						})
					if err != nil {
						if errors.Is(err, ErrHarnessUnavailable) {
							return nil, pipeline.Fatal(err)
						}
						return nil, err
					}
					return &ResultSet{Records: records}, nil
				})
		})
}

// regressionRecord validates one candidate against the gate.
func regressionRecord(ctx context.Context, harness Harness, counter *atomic.Uint64, logger *slog.Logger, id string, gate []string, cand repair.Candidate) (Record, error) {
	rec := Record{Key: cand.Key, Track: TrackRegression}

	if cand.Patch == "" {
		rec.Status = StatusUnknown
		return rec, nil
	}
	if len(gate) == 0 {
		rec.Status = StatusPass
		return rec, nil
	}

	spec := RunSpec{
		InstanceID: id,
		RunID:      CandidateRunID(id, cand.Key, TrackRegression, counter.Add(1)),
		Patch:      cand.Patch,
		Tests:      gate,
	}
	rec.RunID = spec.RunID

	res, err := harness.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrHarnessUnavailable) || ctx.Err() != nil {
			return rec, err
		}
		logger.Warn("regression run failed",
			slog.String("instance", id),
			slog.String("candidate", cand.Key.String()),
			slog.Any("error", err),
		)
		rec.Status = StatusUnknown
		return rec, nil
	}

	rec.Tests = make(map[string]bool, len(gate))
	rec.Status = StatusPass
	for _, t := range gate {
		passed := res.TestStatus[t]
		rec.Tests[t] = passed
		if !passed {
			rec.Status = StatusFail
		}
	}
	return rec, nil
}
