// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package localize implements the localization stages of the repair
// pipeline: narrowing an issue down from the whole repository to concrete
// edit locations.
//
// The stages run in a fixed chain, each consuming its predecessor's
// artifact:
//
//	file_localization   issue + repo tree      -> ranked suspicious files
//	folder_filter       issue + repo tree      -> irrelevant folder list
//	embedding_retrieval issue -> index         -> ranked files (recall)
//	combine_locations   model + retrieval      -> top-N merged file list
//	related_elements    file skeletons         -> suspicious classes/functions
//	line_sampling       elements + contents    -> L sampled edit-location sets
//	merge_samples_{i}   batched samples        -> one artifact per sample index
//
// Model calls go through the llm.Client boundary; file recall goes through
// retrieval.Index. Every stage processes instances on a bounded worker
// pool and resumes from its output artifact via skip-existing.
package localize
