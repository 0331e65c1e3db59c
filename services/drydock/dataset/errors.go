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

import "errors"

var (
	// ErrEmptyDataset indicates the dataset file held no readable instances.
	ErrEmptyDataset = errors.New("dataset contains no instances")

	// ErrInstanceNotFound indicates a requested instance ID is not in the
	// loaded dataset.
	ErrInstanceNotFound = errors.New("instance not found in dataset")

	// ErrNoStructureDir indicates the repo structure directory is missing
	// or not a directory. This is a fatal configuration error.
	ErrNoStructureDir = errors.New("repo structure directory does not exist")

	// ErrStructureNotFound indicates no structure file exists for an
	// instance. This is an instance-level failure, not a fatal one.
	ErrStructureNotFound = errors.New("repo structure not found")
)
