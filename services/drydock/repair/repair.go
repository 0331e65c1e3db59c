// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repair generates candidate patches across the location × repair
// sample fan-out.
//
// Each location sample gets its own repair stage instance (repair_{i}),
// consuming that sample's edit-location artifact and producing R patch
// candidates per instance: candidate 0 is the deterministic greedy
// generation, candidates 1..R-1 are independently sampled at the
// configured temperature. Every reply becomes a candidate even when no
// diff can be extracted, so the [0,L)×[0,R) table stays dense.
package repair

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/localize"
	"github.com/AleutianAI/drydock/services/drydock/matrix"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
)

// maxTokensPatch is the completion cap for patch generation. Patches run
// far longer than localization lists.
const maxTokensPatch = 2048

// Candidate is one generated patch, identified by its position in the
// sample matrix. Created once by the repair stage, read-only thereafter.
type Candidate struct {
	Key matrix.CandidateKey `json:"key"`

	// Patch is the extracted unified diff. Empty when the reply carried
	// no parseable diff; empty candidates never qualify downstream but
	// keep the indices dense.
	Patch string `json:"patch"`

	// Raw preserves the model reply for auditing.
	Raw string `json:"raw,omitempty"`

	// Greedy marks the deterministic generation (repair index 0).
	Greedy bool `json:"greedy,omitempty"`

	// Temperature is the sampling temperature; 0 for the greedy
	// candidate.
	Temperature float32 `json:"temperature,omitempty"`

	// Stats summarize the diff when one was extracted.
	Stats PatchStats `json:"stats"`
}

// CandidateSet is the per-instance payload of one repair stage: all R
// candidates for one location sample, repair indices dense in [0, R).
type CandidateSet struct {
	Candidates []Candidate `json:"candidates"`
}

// CandidatesHandle returns the artifact handle of one repair fan-out leg.
func CandidatesHandle(loc int) string {
	return filepath.Join(matrix.RepairDir("", loc), "candidates.jsonl")
}

const repairTemplate = `We are currently solving the following issue in our repository.

### GitHub issue ###
%s

### Edit locations ###
%s

### File contents ###
%s

###

Please fix the issue by editing the files above. Reply with a single patch in unified diff format (the output of "git diff", with a/ and b/ path prefixes) wrapped in a triple-backtick block tagged diff. Put nothing else inside the block.`

// Prompt builds the repair prompt from one sampled location set.
func Prompt(issue string, locations []localize.FileLocations, structure *dataset.RepoStructure) string {
	var locs strings.Builder
	var contents strings.Builder
	for _, fl := range locations {
		if !structure.HasFile(fl.File) {
			continue
		}
		if locs.Len() > 0 {
			locs.WriteString("\n")
		}
		locs.WriteString(fl.File)
		locs.WriteString("\n")
		for _, loc := range fl.Locations {
			locs.WriteString(loc)
			locs.WriteString("\n")
		}

		if contents.Len() > 0 {
			contents.WriteString("\n")
		}
		contents.WriteString(fl.File)
		contents.WriteString("\n")
		contents.WriteString(structure.Content(fl.File))
		contents.WriteString("\n")
	}
	return fmt.Sprintf(repairTemplate, strings.TrimSpace(issue), locs.String(), contents.String())
}

// NewStage builds the repair stage for one location-sample index.
//
// Description:
//
//	Consumes the sample's edit-location artifact and writes one
//	CandidateSet per instance. The greedy candidate comes from a
//	temperature-0 call; the rest from one batched call at the configured
//	temperature. Runs on the repair worker pool, which is deliberately
//	smaller than the general one to stay inside inference rate limits.
func NewStage(loc int, client llm.Client) pipeline.Stage {
	handle := CandidatesHandle(loc)
	input := localize.SampleHandle(loc)

	return pipeline.NewStage(matrix.RepairStageName(loc), []string{input}, handle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			samples, err := artifact.LoadFile(rc.ArtifactPath(input), rc.Logger)
			if err != nil {
				return err
			}

			repairSamples := rc.Config.RepairSamples
			temperature := rc.Config.Temperature

			return pipeline.RunPerInstance(ctx, rc, handle, rc.Config.RepairThreads,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := samples.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var set localize.LocationSet
					if err := rec.Decode(&set); err != nil {
						return nil, err
					}

					// No locations to edit: record R empty candidates
					// without spending model calls.
					if len(set.Locations) == 0 {
						return emptyCandidates(loc, repairSamples), nil
					}

					inst, ok := rc.Dataset.Get(id)
					if !ok {
						return nil, fmt.Errorf("instance %s not in dataset", id)
					}
					structure, err := rc.Structures.Load(id)
					if err != nil {
						return nil, err
					}

					prompt := Prompt(inst.ProblemStatement, set.Locations, structure)

					replies := make([]string, 0, repairSamples)
					greedy, err := client.Generate(ctx, prompt, llm.GreedyParams(maxTokensPatch))
					if err != nil {
						return nil, err
					}
					replies = append(replies, greedy)

					if repairSamples > 1 {
						sampled, err := client.GenerateBatch(ctx, prompt, repairSamples-1,
							llm.SampledParams(temperature, maxTokensPatch))
						if err != nil {
							return nil, err
						}
						if len(sampled) < repairSamples-1 {
							return nil, fmt.Errorf("repair sampling returned %d candidates, want %d", len(sampled), repairSamples-1)
						}
						replies = append(replies, sampled[:repairSamples-1]...)
					}

					out := &CandidateSet{Candidates: make([]Candidate, 0, repairSamples)}
					for r, reply := range replies {
						cand := Candidate{
							Key:    matrix.CandidateKey{Loc: loc, Repair: r},
							Patch:  ExtractPatch(reply),
							Raw:    reply,
							Greedy: r == 0,
						}
						if r > 0 {
							cand.Temperature = temperature
						}
						if cand.Patch != "" {
							cand.Stats = Stats(cand.Patch)
						}
						out.Candidates = append(out.Candidates, cand)
					}
					return out, nil
				})
		})
}

// emptyCandidates fills one instance's repair row with empty patches.
func emptyCandidates(loc, repairSamples int) *CandidateSet {
	out := &CandidateSet{Candidates: make([]Candidate, 0, repairSamples)}
	for r := 0; r < repairSamples; r++ {
		out.Candidates = append(out.Candidates, Candidate{
			Key:    matrix.CandidateKey{Loc: loc, Repair: r},
			Greedy: r == 0,
		})
	}
	return out
}
