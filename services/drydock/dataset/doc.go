// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset loads benchmark instances and preprocessed repository
// structure metadata.
//
// A dataset is a newline-delimited JSON file of benchmark instances, selected
// by identifier (swe-bench-lite resolves to datasets/swe-bench-lite.jsonl) or
// by an explicit file path. Instances are immutable once loaded.
//
// Repository structures live in a directory named by the
// DRYDOCK_REPO_STRUCTURES environment variable, one <instance_id>.json file
// per instance. The directory is a hard precondition of every pipeline run;
// a missing per-instance file is an instance-level failure inside whichever
// stage needed it.
package dataset
