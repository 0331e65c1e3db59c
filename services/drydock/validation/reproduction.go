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
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/repair"
	"github.com/AleutianAI/drydock/services/drydock/vote"
)

// Markers a generated reproduction test prints to report what it
// observed. Verification keeps only tests that print the reproduced
// marker on the unpatched repository; a candidate passes when the same
// test prints the resolved marker.
const (
	MarkerReproduced = "Issue reproduced"
	MarkerResolved   = "Issue resolved"
)

const maxTokensTest = 2048

const reproduceTemplate = `We are currently solving the following issue in our repository.

### GitHub issue ###
%s

###

Write a single self-contained Python script that reproduces this issue.
The script must run with no arguments from the repository root, print
exactly "Issue reproduced" when the faulty behavior is present, print
exactly "Issue resolved" when the behavior is fixed, and print "Other
issues" when it hits an unrelated error. Reply with the script wrapped in
a triple-backtick block tagged python. Put nothing else inside the block.`

// ReproducePrompt builds the reproduction test generation prompt.
func ReproducePrompt(issue string) string {
	return fmt.Sprintf(reproduceTemplate, strings.TrimSpace(issue))
}

// ExtractScript pulls the test script out of a model reply: the first
// fenced block, else the trimmed reply itself.
func ExtractScript(reply string) string {
	return strings.TrimSpace(fencedBlock(reply))
}

// Reproduces reports whether a verification run on the unpatched
// repository observed the faulty behavior.
func Reproduces(output string) bool {
	return strings.Contains(output, MarkerReproduced) && !strings.Contains(output, MarkerResolved)
}

// Resolves reports whether a candidate run observed the fixed behavior.
func Resolves(output string) bool {
	return strings.Contains(output, MarkerResolved) && !strings.Contains(output, MarkerReproduced)
}

// NormalizeScript canonicalizes test content for voting: comment-only and
// blank lines are dropped and whitespace runs collapse, so trivially
// reformatted tests cluster together. Empty content normalizes to "",
// which never wins a vote.
func NormalizeScript(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.WriteString(strings.Join(strings.Fields(line), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// NewTestGeneration builds the stage that generates candidate
// reproduction tests per instance.
//
// Description:
//
//	Mirrors repair generation: sample 0 is greedy, the rest come from
//	one batched call at the configured temperature. Every sample is
//	recorded, empty extractions included, so sample indices stay dense
//	for the vote.
func NewTestGeneration(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageReproGenerate, []string{RegressionResultsHandle}, GeneratedHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			return pipeline.RunPerInstance(ctx, rc, GeneratedHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					inst, ok := rc.Dataset.Get(id)
					if !ok {
						return nil, fmt.Errorf("instance %s not in dataset", id)
					}

					n := rc.Config.ReproductionSamples
					prompt := ReproducePrompt(inst.ProblemStatement)

					greedy, err := client.Generate(ctx, prompt, llm.GreedyParams(maxTokensTest))
					if err != nil {
						return nil, err
					}
					replies := make([]string, 0, n)
					replies = append(replies, greedy)

					if n > 1 {
						sampled, err := client.GenerateBatch(ctx, prompt, n-1,
							llm.SampledParams(rc.Config.Temperature, maxTokensTest))
						if err != nil {
							return nil, err
						}
						if len(sampled) < n-1 {
							return nil, fmt.Errorf("test sampling returned %d scripts, want %d", len(sampled), n-1)
						}
						replies = append(replies, sampled[:n-1]...)
					}

					out := &ScriptSet{Scripts: make([]TestScript, 0, n)}
					for s, reply := range replies {
						out.Scripts = append(out.Scripts, TestScript{
							Sample:  s,
							Content: ExtractScript(reply),
							Greedy:  s == 0,
						})
					}
					return out, nil
				})
		})
}

// NewTestVerification builds the stage that executes each generated test
// on the unpatched repository and keeps the ones that reproduce the
// issue.
//
// Description:
//
//	A test that errors in the sandbox simply does not survive, same as
//	one that never shows the bug; only an unreachable harness aborts.
//	Instances run one at a time; parallelism is across scripts on the
//	validation worker pool.
func NewTestVerification(harness Harness) pipeline.Stage {
	var counter atomic.Uint64

	return pipeline.NewStage(StageReproVerify, []string{GeneratedHandle}, VerifiedHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			generated, err := artifact.LoadFile(rc.ArtifactPath(GeneratedHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, VerifiedHandle, 1,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := generated.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var set ScriptSet
					if err := rec.Decode(&set); err != nil {
						return nil, err
					}

					survived, err := verifyScripts(ctx, rc, harness, &counter, id, set.Scripts)
					if err != nil {
						if errors.Is(err, ErrHarnessUnavailable) {
							return nil, pipeline.Fatal(err)
						}
						return nil, err
					}
					return &ScriptSet{Scripts: survived}, nil
				})
		})
}

// verifyScripts runs each non-empty script against the unpatched repo
// and returns the ones showing the reproduced marker, in sample order.
func verifyScripts(ctx context.Context, rc *pipeline.RunContext, harness Harness, counter *atomic.Uint64, id string, scripts []TestScript) ([]TestScript, error) {
	workers := rc.Config.ValidationWorkers
	if workers < 1 {
		workers = 1
	}

	keep := make([]bool, len(scripts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, script := range scripts {
		if script.Content == "" {
			continue
		}
		g.Go(func() error {
			spec := RunSpec{
				InstanceID: id,
				RunID:      InstanceRunID(id, fmt.Sprintf("repro_verify_%d", script.Sample), counter.Add(1)),
				Script:     script.Content,
			}
			res, err := harness.Run(gctx, spec)
			if err != nil {
				if errors.Is(err, ErrHarnessUnavailable) || gctx.Err() != nil {
					return err
				}
				rc.Logger.Warn("reproduction verification failed",
					slog.String("instance", id),
					slog.Int("sample", script.Sample),
					slog.Any("error", err),
				)
				return nil
			}
			keep[i] = Reproduces(res.Output)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var survived []TestScript
	for i, script := range scripts {
		if keep[i] {
			survived = append(survived, script)
		}
	}
	return survived, nil
}

// NewTestSelection builds the stage that majority-votes one reproduction
// test per instance from the verified survivors.
//
// Description:
//
//	Scripts cluster by normalized content; the heaviest cluster wins and
//	its lowest-sample member becomes the selected test. Ties break
//	toward the cluster seen first, which in sample order means the
//	lowest sample index. No survivors yields an explicit zero-weight
//	record, never a fabricated test.
func NewTestSelection() pipeline.Stage {
	return pipeline.NewStage(StageReproSelect, []string{VerifiedHandle}, SelectedScriptHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			verified, err := artifact.LoadFile(rc.ArtifactPath(VerifiedHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, SelectedScriptHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := verified.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var set ScriptSet
					if err := rec.Decode(&set); err != nil {
						return nil, err
					}

					winner, ok := vote.Majority(set.Scripts, func(s TestScript) string {
						return NormalizeScript(s.Content)
					})
					if !ok {
						return &SelectedScript{}, nil
					}

					sel := &SelectedScript{Script: winner.Members[0], Weight: winner.Weight}
					for _, m := range winner.Members {
						sel.Voters = append(sel.Voters, m.Sample)
					}
					return sel, nil
				})
		})
}

// NewReproductionRun builds the stage that runs each instance's selected
// test against every candidate patch.
//
// Description:
//
//	A candidate passes when the test prints the resolved marker under
//	its patch. Candidates without a patch, and instances whose selection
//	is empty, validate to unknown without touching the sandbox.
//	Instances run one at a time; parallelism is across the L×R
//	candidates on the validation worker pool.
func NewReproductionRun(harness Harness, locSamples int) pipeline.Stage {
	inputs := append([]string{SelectedScriptHandle}, candidateHandles(locSamples)...)
	var counter atomic.Uint64

	return pipeline.NewStage(StageReproRun, inputs, ReproResultsHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			selected, err := artifact.LoadFile(rc.ArtifactPath(SelectedScriptHandle), rc.Logger)
			if err != nil {
				return err
			}
			legs, err := loadCandidateLegs(rc, locSamples)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, ReproResultsHandle, 1,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := selected.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var sel SelectedScript
					if err := rec.Decode(&sel); err != nil {
						return nil, err
					}

					cands := instanceCandidates(legs, id, rc.Logger)
					if len(cands) == 0 {
						return nil, pipeline.ErrSkipInstance
					}

					records, err := runCandidates(ctx, rc.Config.ValidationWorkers, cands,
						func(ctx context.Context, cand repair.Candidate) (Record, error) {
							return reproductionRecord(ctx, harness, &counter, rc.Logger, id, sel.Script.Content, cand)
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

// reproductionRecord validates one candidate against the selected test.
func reproductionRecord(ctx context.Context, harness Harness, counter *atomic.Uint64, logger *slog.Logger, id, script string, cand repair.Candidate) (Record, error) {
	rec := Record{Key: cand.Key, Track: TrackReproduction}

	if cand.Patch == "" || script == "" {
		rec.Status = StatusUnknown
		return rec, nil
	}

	spec := RunSpec{
		InstanceID: id,
		RunID:      CandidateRunID(id, cand.Key, TrackReproduction, counter.Add(1)),
		Patch:      cand.Patch,
		Script:     script,
	}
	rec.RunID = spec.RunID

	res, err := harness.Run(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrHarnessUnavailable) || ctx.Err() != nil {
			return rec, err
		}
		logger.Warn("reproduction run failed",
			slog.String("instance", id),
			slog.String("candidate", cand.Key.String()),
			slog.Any("error", err),
		)
		rec.Status = StatusUnknown
		return rec, nil
	}

	passed := Resolves(res.Output)
	rec.Tests = map[string]bool{"reproduction": passed}
	if passed {
		rec.Status = StatusPass
	} else {
		rec.Status = StatusFail
	}
	return rec, nil
}
