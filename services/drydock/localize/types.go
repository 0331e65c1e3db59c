// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localize

import (
	"github.com/AleutianAI/drydock/services/drydock/matrix"
)

// Stage names, in pipeline order.
const (
	StageFileLocalization   = "file_localization"
	StageFolderFilter       = "folder_filter"
	StageEmbeddingRetrieval = "embedding_retrieval"
	StageCombine            = "combine_locations"
	StageRelatedElements    = "related_elements"
	StageLineSampling       = "line_sampling"
)

// Artifact handles written by the localization stages, relative to the
// results root.
const (
	FileLocsHandle     = "file_locs/locs.jsonl"
	FolderFilterHandle = "folder_filter/filtered.jsonl"
	RetrievalHandle    = "retrieval/retrieved.jsonl"
	CombinedHandle     = "combined_locs/locs.jsonl"
	RelatedHandle      = "related_elements/locs.jsonl"
	SamplesHandle      = "edit_locations/samples.jsonl"
)

// MergeStageName returns the name of the merge stage for one location
// sample.
func MergeStageName(sample int) string {
	return matrix.MergeStageName(sample)
}

// SampleHandle returns the artifact handle of one materialized location
// sample.
func SampleHandle(sample int) string {
	return matrix.SampleArtifact("edit_locations", sample)
}

// FileLocations are location descriptors inside one file: element names
// from the related-element stage, or edit lines from the fine-grained
// stage ("line: 42", "function: resolve", "class: Loader").
type FileLocations struct {
	File      string   `json:"file"`
	Locations []string `json:"locations,omitempty"`
}

// LocationSet is the payload of one localization record.
//
// Description:
//
//	A ranked view of where the fix likely lives, at whatever granularity
//	the producing stage works: file paths, irrelevant folders, element
//	names, or edit lines. SampleIndex is set only by the sampled
//	fine-grained stage. Never mutated after creation.
type LocationSet struct {
	// Files is the ranked file list, most suspicious first.
	Files []string `json:"files,omitempty"`

	// Scores align with Files when the producer ranks with a numeric
	// relevance score (embedding retrieval).
	Scores []float64 `json:"scores,omitempty"`

	// Folders lists folders judged irrelevant to the fix.
	Folders []string `json:"folders,omitempty"`

	// Locations hold per-file location descriptors.
	Locations []FileLocations `json:"locations,omitempty"`

	// SampleIndex identifies which of the L sampled sets this is.
	SampleIndex int `json:"sample_index,omitempty"`
}

// SampledLocations is the payload of the fine-grained sampling stage: all
// L independently sampled edit-location sets for one instance, indices
// dense in [0, L).
type SampledLocations struct {
	Samples []LocationSet `json:"samples"`
}

// Sample returns the set with the given sample index.
func (s SampledLocations) Sample(index int) (LocationSet, bool) {
	for _, set := range s.Samples {
		if set.SampleIndex == index {
			return set, true
		}
	}
	return LocationSet{}, false
}
