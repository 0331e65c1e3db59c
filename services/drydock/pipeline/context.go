// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
)

// RunContext carries the run-scoped state every stage receives.
//
// Description:
//
//	One RunContext is built per pipeline invocation and shared read-only
//	by all stages. Collaborator boundaries (inference client, retrieval
//	index, execution harness) are not here; stages close over those at
//	construction time.
//
// Thread Safety: Safe for concurrent read access.
type RunContext struct {
	// Config is the validated run configuration.
	Config *Config

	// Dataset holds the benchmark instances in scope, already narrowed
	// by the instance filter.
	Dataset *dataset.Dataset

	// Structures loads per-instance repo structure metadata.
	Structures *dataset.StructureDir

	// Logger is the run logger.
	Logger *slog.Logger
}

// ArtifactPath resolves an artifact handle to its path under the results
// root.
func (rc *RunContext) ArtifactPath(handle string) string {
	return filepath.Join(rc.Config.ResultsRoot, filepath.FromSlash(handle))
}

// OpenArtifact opens the artifact store behind a handle, creating parent
// directories as needed.
func (rc *RunContext) OpenArtifact(handle string) (*artifact.FileStore, error) {
	return artifact.OpenFile(rc.ArtifactPath(handle), rc.Logger)
}

// InstanceIDs returns the IDs of every instance in scope.
func (rc *RunContext) InstanceIDs() []string {
	return rc.Dataset.IDs()
}
