// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the repair evaluation stages.
//
// The pipeline framework provides:
//   - Explicit data dependencies through artifact handles
//   - Strictly sequential stage execution with fail-fast abort
//   - A per-stage state machine (pending, running, completed, failed)
//   - Unified tracing and metrics via OpenTelemetry
//   - Resume through skip-existing: re-running after a failure redoes
//     only the instances whose records are missing
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless stated otherwise.
// Stages themselves never run concurrently with each other; concurrency
// exists only inside a stage, across benchmark instances.
//
// # Example
//
//	// Stages bind to each other through the artifacts they declare.
//	locate := pipeline.NewStage("file_localization", nil, "file_locs/locs.jsonl", locateFn)
//	filter := pipeline.NewStage("folder_filter", []string{"file_locs/locs.jsonl"},
//	    "folder_filter/filtered.jsonl", filterFn)
//
//	plan, err := pipeline.NewBuilder().
//	    AddStage(locate).
//	    AddStage(filter).
//	    Build()
//
//	executor := pipeline.NewExecutor(logger)
//	report, err := executor.Run(ctx, plan, rc)
package pipeline
