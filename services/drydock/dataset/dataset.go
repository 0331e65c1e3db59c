// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultName is the benchmark split used when none is configured.
const DefaultName = "swe-bench-lite"

// -----------------------------------------------------------------------------
// Instance
// -----------------------------------------------------------------------------

// Instance is one benchmark task: a repository snapshot plus an issue.
//
// Instances are immutable after load. Gold patch and test metadata are
// carried when the dataset file provides them; stages must not depend on
// their presence.
type Instance struct {
	// InstanceID is the globally unique task identifier,
	// e.g. "astropy__astropy-12907".
	InstanceID string `json:"instance_id"`

	// Repo is the source repository in owner/name form.
	Repo string `json:"repo"`

	// BaseCommit pins the repository snapshot the issue was filed against.
	BaseCommit string `json:"base_commit"`

	// ProblemStatement is the issue text driving localization and repair.
	ProblemStatement string `json:"problem_statement"`

	// HintsText carries issue-thread hints when the split provides them.
	HintsText string `json:"hints_text,omitempty"`

	// Patch is the gold patch, present only for scored splits.
	Patch string `json:"patch,omitempty"`

	// TestPatch is the gold test patch, present only for scored splits.
	TestPatch string `json:"test_patch,omitempty"`

	// Version is the repository version label used by execution images.
	Version string `json:"version,omitempty"`

	// FailToPass lists tests the gold patch turns from failing to passing.
	FailToPass TestList `json:"FAIL_TO_PASS,omitempty"`

	// PassToPass lists tests that pass both before and after the gold patch.
	PassToPass TestList `json:"PASS_TO_PASS,omitempty"`
}

// TestList is a list of test identifiers.
//
// Benchmark exports disagree on the encoding: some write a JSON array,
// others a string containing a JSON array. Both decode to the same list.
type TestList []string

// UnmarshalJSON accepts either encoding.
func (t *TestList) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*t = direct
		return nil
	}

	var wrapped string
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("decoding test list: %w", err)
	}
	wrapped = strings.TrimSpace(wrapped)
	if wrapped == "" {
		*t = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(wrapped), &inner); err != nil {
		return fmt.Errorf("decoding nested test list: %w", err)
	}
	*t = inner
	return nil
}

// -----------------------------------------------------------------------------
// Dataset
// -----------------------------------------------------------------------------

// Dataset is an ordered, immutable collection of benchmark instances.
//
// Thread Safety: Safe for concurrent read access after load.
type Dataset struct {
	name      string
	instances []Instance
	byID      map[string]int
}

// PathFor returns the conventional dataset file path for an identifier.
//
// Example:
//
//	PathFor("swe-bench-lite")  // "datasets/swe-bench-lite.jsonl"
func PathFor(name string) string {
	return filepath.Join("datasets", name+".jsonl")
}

// New builds a dataset directly from instances. Records without an
// instance ID and repeated IDs are dropped, first occurrence winning.
func New(name string, instances []Instance) *Dataset {
	ds := &Dataset{
		name: name,
		byID: make(map[string]int),
	}
	for _, inst := range instances {
		if inst.InstanceID == "" {
			continue
		}
		if _, exists := ds.byID[inst.InstanceID]; exists {
			continue
		}
		ds.byID[inst.InstanceID] = len(ds.instances)
		ds.instances = append(ds.instances, inst)
	}
	return ds
}

// Load reads a dataset file.
//
// Description:
//
//	Reads newline-delimited JSON instances from path. Malformed lines and
//	records without an instance ID are skipped with a warning. When the
//	file repeats an instance ID, the first record wins. The returned
//	dataset preserves file order.
//
// Inputs:
//   - name: Dataset identifier, recorded for diagnostics and result paths.
//   - path: The dataset JSONL file.
//   - logger: Logger for load diagnostics. If nil, uses slog.Default().
//
// Outputs:
//   - *Dataset: The loaded dataset. Never empty on nil error.
//   - error: Non-nil if the file cannot be read or holds no instances.
func Load(name, path string, logger *slog.Logger) (*Dataset, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer file.Close()

	ds := &Dataset{
		name: name,
		byID: make(map[string]int),
	}

	scanner := bufio.NewScanner(file)
	// Problem statements and gold patches can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	malformed := 0
	duplicates := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var inst Instance
		if err := json.Unmarshal(line, &inst); err != nil || inst.InstanceID == "" {
			malformed++
			continue
		}
		if _, exists := ds.byID[inst.InstanceID]; exists {
			duplicates++
			continue
		}
		ds.byID[inst.InstanceID] = len(ds.instances)
		ds.instances = append(ds.instances, inst)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning dataset %s: %w", path, err)
	}
	if malformed > 0 || duplicates > 0 {
		logger.Warn("skipped unreadable dataset lines",
			slog.String("path", path),
			slog.Int("malformed", malformed),
			slog.Int("duplicates", duplicates),
		)
	}

	if len(ds.instances) == 0 {
		return nil, fmt.Errorf("loading dataset %s: %w", path, ErrEmptyDataset)
	}

	logger.Info("dataset loaded",
		slog.String("dataset", name),
		slog.Int("instances", len(ds.instances)),
	)
	return ds, nil
}

// Name returns the dataset identifier.
func (d *Dataset) Name() string {
	return d.name
}

// Len returns the number of instances.
func (d *Dataset) Len() int {
	return len(d.instances)
}

// Instances returns all instances in file order.
func (d *Dataset) Instances() []Instance {
	out := make([]Instance, len(d.instances))
	copy(out, d.instances)
	return out
}

// IDs returns all instance IDs in file order.
func (d *Dataset) IDs() []string {
	out := make([]string, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, inst.InstanceID)
	}
	return out
}

// Get returns the instance with the given ID.
func (d *Dataset) Get(instanceID string) (Instance, bool) {
	idx, ok := d.byID[instanceID]
	if !ok {
		return Instance{}, false
	}
	return d.instances[idx], true
}

// Filter narrows the dataset to a single instance.
//
// An empty instanceID returns the dataset unchanged. An unknown ID is an
// error so a typoed --instance flag fails loudly instead of silently
// processing nothing.
func (d *Dataset) Filter(instanceID string) (*Dataset, error) {
	if instanceID == "" {
		return d, nil
	}
	inst, ok := d.Get(instanceID)
	if !ok {
		return nil, fmt.Errorf("filtering dataset %s to %q: %w", d.name, instanceID, ErrInstanceNotFound)
	}
	return &Dataset{
		name:      d.name,
		instances: []Instance{inst},
		byID:      map[string]int{inst.InstanceID: 0},
	}, nil
}
