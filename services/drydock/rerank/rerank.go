// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rerank reduces the candidate fan-out plus its validation
// matrix to one final selection per instance.
//
// Candidates are deduplicated by normalized patch, scored on regression
// and reproduction pass rates plus consensus weight, and tie-broken by a
// total deterministic order, so an identical validation matrix always
// reproduces the same selection.
package rerank

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/matrix"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/repair"
	"github.com/AleutianAI/drydock/services/drydock/validation"
	"github.com/AleutianAI/drydock/services/drydock/vote"
)

// StageName is the reranker's pipeline stage name.
const StageName = "rerank"

// SelectionHandle is the selection artifact, relative to the results
// root.
const SelectionHandle = "selection/final.jsonl"

// No-patch reasons recorded in the selection artifact.
const (
	ReasonNoPatches   = "no candidate produced a patch"
	ReasonNoReproPass = "no candidate passed a reproduction test"
)

// Policy weights the reranker's three signals. Weights must be positive:
// the score is then strictly increasing in each signal, which keeps
// ranking monotonic in every pass added.
type Policy struct {
	WRegression   float64 `json:"w_regression"`
	WReproduction float64 `json:"w_reproduction"`
	WConsensus    float64 `json:"w_consensus"`
}

// DefaultPolicy returns the standard weighting. Regression safety counts
// double the reproduction signal; consensus separates near-ties.
func DefaultPolicy() Policy {
	return Policy{WRegression: 2, WReproduction: 1, WConsensus: 0.5}
}

// Score combines the pass rates and the consensus share, all in [0, 1].
func (p Policy) Score(regressionRate, reproductionRate, consensus float64) float64 {
	return p.WRegression*regressionRate + p.WReproduction*reproductionRate + p.WConsensus*consensus
}

// FinalSelection is the per-instance payload of the selection artifact:
// exactly one chosen patch, or an explicit no-patch marker, plus the
// provenance needed to audit the decision.
type FinalSelection struct {
	// NoPatch marks instances where no group qualified; Reason says
	// why. Key and Patch carry no meaning when it is set.
	NoPatch bool   `json:"no_patch,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Key identifies the winning group's representative: its greedy
	// member when one exists, otherwise its lowest key.
	Key   matrix.CandidateKey `json:"key"`
	Patch string              `json:"patch,omitempty"`

	// Greedy is set when the group contains the deterministic
	// generation.
	Greedy bool `json:"greedy,omitempty"`

	// Weight is the dedup group size; Members are the candidate keys
	// that collapsed into it.
	Weight  int                   `json:"weight,omitempty"`
	Members []matrix.CandidateKey `json:"members,omitempty"`

	// Score and the signals it was computed from.
	Score            float64 `json:"score"`
	RegressionRate   float64 `json:"regression_rate"`
	ReproductionRate float64 `json:"reproduction_rate"`
}

// tally counts one group's validation verdicts at candidate granularity.
// Unknown and missing records stay out of the denominators, so harness
// gaps never drag a rate down.
type tally struct {
	regPass, regEval int
	repPass, repEval int
}

func tallyGroup(g vote.Group[repair.Candidate], regression, reproduction validation.ResultSet) tally {
	var t tally
	for _, m := range g.Members {
		t.regPass, t.regEval = count(regression, m.Key, t.regPass, t.regEval)
		t.repPass, t.repEval = count(reproduction, m.Key, t.repPass, t.repEval)
	}
	return t
}

func count(rs validation.ResultSet, key matrix.CandidateKey, pass, eval int) (int, int) {
	rec, ok := rs.Get(key)
	if !ok {
		return pass, eval
	}
	switch rec.Status {
	case validation.StatusPass:
		return pass + 1, eval + 1
	case validation.StatusFail:
		return pass, eval + 1
	}
	return pass, eval
}

func rate(pass, eval int) float64 {
	if eval == 0 {
		return 0
	}
	return float64(pass) / float64(eval)
}

// SelectPatch reduces one instance's candidate pool to its final
// selection.
//
// Description:
//
//	Candidates with a non-empty normalized patch are clustered into
//	dedup groups. A group qualifies once at least one member passed the
//	reproduction track, the evidence that the patch fixes the reported
//	issue rather than merely breaking nothing; regression signal alone
//	never selects a patch. Qualified groups are scored by policy, and
//	exact ties fall to the group holding a greedy candidate, then the
//	lowest location index, then the lowest repair index. An empty pool
//	or zero qualifying groups yields the explicit no-patch marker.
//
// Inputs:
//
//	cands - One instance's candidates, across all location samples.
//	regression - The instance's regression track results.
//	reproduction - The instance's reproduction track results.
//	policy - Signal weights.
//
// Outputs:
//
//	FinalSelection - The chosen patch, or the no-patch marker. Never
//	                 panics, even on a fully empty pool.
func SelectPatch(cands []repair.Candidate, regression, reproduction validation.ResultSet, policy Policy) FinalSelection {
	keys := make(map[matrix.CandidateKey]string, len(cands))
	var votable []repair.Candidate
	for _, c := range cands {
		key := NormalizePatch(c.Patch)
		if key == "" {
			continue
		}
		keys[c.Key] = key
		votable = append(votable, c)
	}
	if len(votable) == 0 {
		return FinalSelection{NoPatch: true, Reason: ReasonNoPatches}
	}

	groups := vote.Cluster(votable, func(c repair.Candidate) string { return keys[c.Key] })

	tallies := make(map[string]tally, len(groups))
	var qualified []vote.Group[repair.Candidate]
	for _, g := range groups {
		t := tallyGroup(g, regression, reproduction)
		if t.repPass == 0 {
			continue
		}
		tallies[g.Key] = t
		qualified = append(qualified, g)
	}
	if len(qualified) == 0 {
		return FinalSelection{NoPatch: true, Reason: ReasonNoReproPass}
	}

	total := len(votable)
	score := func(g vote.Group[repair.Candidate]) float64 {
		t := tallies[g.Key]
		return policy.Score(rate(t.regPass, t.regEval), rate(t.repPass, t.repEval), float64(g.Weight)/float64(total))
	}
	winner, _ := vote.Select(qualified, score, groupLess)

	t := tallies[winner.Key]
	rep := representative(winner)
	sel := FinalSelection{
		Key:              rep.Key,
		Patch:            rep.Patch,
		Greedy:           hasGreedy(winner),
		Weight:           winner.Weight,
		Score:            score(winner),
		RegressionRate:   rate(t.regPass, t.regEval),
		ReproductionRate: rate(t.repPass, t.repEval),
	}
	for _, m := range winner.Members {
		sel.Members = append(sel.Members, m.Key)
	}
	return sel
}

// groupLess is the tie-break order over equal-score groups. It is total:
// distinct groups never share a member, so their minimum keys differ.
func groupLess(a, b vote.Group[repair.Candidate]) bool {
	ag, bg := hasGreedy(a), hasGreedy(b)
	if ag != bg {
		return ag
	}
	return minKey(a).Less(minKey(b))
}

func hasGreedy(g vote.Group[repair.Candidate]) bool {
	for _, m := range g.Members {
		if m.Greedy {
			return true
		}
	}
	return false
}

func minKey(g vote.Group[repair.Candidate]) matrix.CandidateKey {
	min := g.Members[0].Key
	for _, m := range g.Members[1:] {
		if m.Key.Less(min) {
			min = m.Key
		}
	}
	return min
}

// representative picks the member whose identity and patch text stand
// for the group: the greedy member when present, otherwise the lowest
// key.
func representative(g vote.Group[repair.Candidate]) repair.Candidate {
	rep := g.Members[0]
	for _, m := range g.Members[1:] {
		if m.Greedy != rep.Greedy {
			if m.Greedy {
				rep = m
			}
			continue
		}
		if m.Key.Less(rep.Key) {
			rep = m
		}
	}
	return rep
}

// NewStage builds the rerank stage.
//
// Description:
//
//	Consumes every repair leg plus both validation result artifacts and
//	writes one FinalSelection per instance. Pure computation, no
//	inference or harness calls, so it runs on the ordinary thread pool.
//	Instances without any candidate record are skipped; they come back
//	into scope when a resumed repair run fills the gap.
func NewStage(locSamples int, policy Policy) pipeline.Stage {
	inputs := []string{validation.RegressionResultsHandle, validation.ReproResultsHandle}
	for loc := 0; loc < locSamples; loc++ {
		inputs = append(inputs, repair.CandidatesHandle(loc))
	}

	return pipeline.NewStage(StageName, inputs, SelectionHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			regression, err := artifact.LoadFile(rc.ArtifactPath(validation.RegressionResultsHandle), rc.Logger)
			if err != nil {
				return err
			}
			reproduction, err := artifact.LoadFile(rc.ArtifactPath(validation.ReproResultsHandle), rc.Logger)
			if err != nil {
				return err
			}
			legs, err := loadLegs(rc, locSamples)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, SelectionHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					cands := gatherCandidates(legs, id, rc.Logger)
					if len(cands) == 0 {
						return nil, pipeline.ErrSkipInstance
					}

					sel := SelectPatch(cands,
						trackResults(regression, id, rc.Logger),
						trackResults(reproduction, id, rc.Logger),
						policy)

					if sel.NoPatch {
						rc.Logger.Info("no patch selected",
							slog.String("instance", id),
							slog.String("reason", sel.Reason),
						)
					} else {
						rc.Logger.Info("patch selected",
							slog.String("instance", id),
							slog.String("candidate", sel.Key.String()),
							slog.Int("weight", sel.Weight),
							slog.Float64("score", sel.Score),
						)
					}
					return &sel, nil
				})
		})
}

// loadLegs snapshots all L repair artifacts once per stage run.
func loadLegs(rc *pipeline.RunContext, locSamples int) ([]*artifact.MemoryStore, error) {
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

// gatherCandidates collects one instance's candidates across the leg
// snapshots, in canonical key order.
func gatherCandidates(legs []*artifact.MemoryStore, id string, logger *slog.Logger) []repair.Candidate {
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

// trackResults decodes one instance's track results. A missing or
// undecodable record degrades to an empty set; the track then simply
// contributes no signal.
func trackResults(store *artifact.MemoryStore, id string, logger *slog.Logger) validation.ResultSet {
	rec, ok := store.Get(id)
	if !ok {
		return validation.ResultSet{}
	}
	var rs validation.ResultSet
	if err := rec.Decode(&rs); err != nil {
		logger.Warn("skipping undecodable result record",
			slog.String("instance", id),
			slog.Any("error", err),
		)
		return validation.ResultSet{}
	}
	return rs
}
