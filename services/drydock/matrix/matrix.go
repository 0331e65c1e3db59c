// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matrix tracks candidate identity across the location × repair
// sample fan-out.
//
// Every repair candidate is addressed by a CandidateKey (location-sample
// index, repair-sample index), dense in [0,L)×[0,R). Artifact paths derive
// from the same indices, so identity is reconstructible from naming alone.
package matrix

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// CandidateKey identifies one repair candidate within an instance.
type CandidateKey struct {
	// Loc is the location-sample index, in [0, L).
	Loc int `json:"loc"`

	// Repair is the repair-sample index, in [0, R). Index 0 is the
	// greedy generation.
	Repair int `json:"repair"`
}

// String renders the key in its canonical artifact-naming form.
//
// Example:
//
//	CandidateKey{Loc: 2, Repair: 7}.String()  // "loc2_repair7"
func (k CandidateKey) String() string {
	return fmt.Sprintf("loc%d_repair%d", k.Loc, k.Repair)
}

// Less orders keys by location index, then repair index. This is the
// deterministic iteration order used everywhere candidates are ranked.
func (k CandidateKey) Less(other CandidateKey) bool {
	if k.Loc != other.Loc {
		return k.Loc < other.Loc
	}
	return k.Repair < other.Repair
}

// ParseKey inverts String.
//
// Outputs:
//   - CandidateKey: The parsed key.
//   - error: Non-nil when s is not of the form locN_repairM with
//     non-negative indices.
func ParseKey(s string) (CandidateKey, error) {
	var k CandidateKey
	n, err := fmt.Sscanf(s, "loc%d_repair%d", &k.Loc, &k.Repair)
	if err != nil || n != 2 {
		return CandidateKey{}, fmt.Errorf("parsing candidate key %q: malformed", s)
	}
	if k.Loc < 0 || k.Repair < 0 {
		return CandidateKey{}, fmt.Errorf("parsing candidate key %q: negative index", s)
	}
	if s != k.String() {
		return CandidateKey{}, fmt.Errorf("parsing candidate key %q: malformed", s)
	}
	return k, nil
}

// Keys enumerates the full dense key set for L location samples and R
// repair samples, in canonical order.
func Keys(locSamples, repairSamples int) []CandidateKey {
	if locSamples <= 0 || repairSamples <= 0 {
		return nil
	}
	out := make([]CandidateKey, 0, locSamples*repairSamples)
	for loc := 0; loc < locSamples; loc++ {
		for repair := 0; repair < repairSamples; repair++ {
			out = append(out, CandidateKey{Loc: loc, Repair: repair})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Matrix
// -----------------------------------------------------------------------------

// Matrix records which candidates exist for one instance.
//
// Thread Safety: Safe for concurrent use.
type Matrix struct {
	mu   sync.RWMutex
	seen map[CandidateKey]bool
}

// New creates an empty Matrix.
func New() *Matrix {
	return &Matrix{seen: make(map[CandidateKey]bool)}
}

// Mark records that a candidate exists. Marking twice is harmless.
func (m *Matrix) Mark(key CandidateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = true
}

// Has reports whether a candidate was marked.
func (m *Matrix) Has(key CandidateKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[key]
}

// Count returns the number of marked candidates.
func (m *Matrix) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

// Complete reports whether every key in [0,L)×[0,R) was marked.
func (m *Matrix) Complete(locSamples, repairSamples int) bool {
	return len(m.Missing(locSamples, repairSamples)) == 0
}

// Missing returns the unmarked keys of the dense [0,L)×[0,R) table, in
// canonical order.
func (m *Matrix) Missing(locSamples, repairSamples int) []CandidateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []CandidateKey
	for _, key := range Keys(locSamples, repairSamples) {
		if !m.seen[key] {
			missing = append(missing, key)
		}
	}
	return missing
}

// MarkedKeys returns the marked keys in canonical order.
func (m *Matrix) MarkedKeys() []CandidateKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CandidateKey, 0, len(m.seen))
	for key := range m.seen {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// -----------------------------------------------------------------------------
// Artifact naming
// -----------------------------------------------------------------------------

// SampleArtifact returns the standalone artifact path for one
// location-sample index under the merged edit-locations directory.
func SampleArtifact(dir string, loc int) string {
	return filepath.Join(dir, fmt.Sprintf("samples_%d.jsonl", loc))
}

// RepairDir returns the repair output directory for one location-sample
// index.
func RepairDir(root string, loc int) string {
	return filepath.Join(root, fmt.Sprintf("repair_%d", loc))
}

// MergeStageName returns the pipeline stage name that materializes one
// location-sample artifact.
func MergeStageName(loc int) string {
	return fmt.Sprintf("merge_samples_%d", loc)
}

// RepairStageName returns the pipeline stage name of one repair fan-out
// leg.
func RepairStageName(loc int) string {
	return fmt.Sprintf("repair_%d", loc)
}
