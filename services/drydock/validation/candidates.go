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
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/repair"
)

// candidateHandles lists every repair leg's artifact. Declaring them as
// stage inputs sequences validation strictly after the full fan-out.
func candidateHandles(locSamples int) []string {
	out := make([]string, 0, locSamples)
	for loc := 0; loc < locSamples; loc++ {
		out = append(out, repair.CandidatesHandle(loc))
	}
	return out
}

// loadCandidateLegs snapshots all L repair artifacts once per stage run.
func loadCandidateLegs(rc *pipeline.RunContext, locSamples int) ([]*artifact.MemoryStore, error) {
	legs := make([]*artifact.MemoryStore, 0, locSamples)
	for loc := 0; loc < locSamples; loc++ {
		store, err := artifact.LoadFile(rc.ArtifactPath(repair.CandidatesHandle(loc)), rc.Logger)
		if err != nil {
			return nil, err
		}
		legs = append(legs, store)
	}
	return legs, nil
}

// instanceCandidates gathers one instance's candidates across the leg
// snapshots, in canonical key order. Legs without a record for the
// instance contribute nothing; those candidates are out of scope until a
// resumed repair run fills the gap.
func instanceCandidates(legs []*artifact.MemoryStore, id string, logger *slog.Logger) []repair.Candidate {
	var out []repair.Candidate
	for loc, leg := range legs {
		rec, ok := leg.Get(id)
		if !ok {
			continue
		}
		var set repair.CandidateSet
		if err := rec.Decode(&set); err != nil {
			logger.Warn("skipping undecodable candidate record",
				slog.String("instance", id),
				slog.Int("loc", loc),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, set.Candidates...)
	}
	return out
}

// runCandidates executes fn for every candidate on a bounded pool and
// returns the records in candidate order. The first error cancels the
// remaining executions.
func runCandidates(ctx context.Context, workers int, cands []repair.Candidate, fn func(ctx context.Context, cand repair.Candidate) (Record, error)) ([]Record, error) {
	if workers < 1 {
		workers = 1
	}

	records := make([]Record, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, cand := range cands {
		g.Go(func() error {
			rec, err := fn(gctx, cand)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}
