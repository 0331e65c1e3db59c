// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact implements the record stores that connect pipeline stages.
//
// An artifact is a newline-delimited JSON file holding one record per
// processed benchmark instance. It is the exchange format between stages:
// each stage reads the artifacts of its upstream stages and appends records
// to exactly one output artifact it owns. Records are append-only within a
// run; a re-run with skip-existing enabled appends only the instances that
// are missing, leaving prior lines byte-identical.
//
// Two implementations are provided:
//   - FileStore: production JSONL file, loaded on open, append-only writer
//   - MemoryStore: in-memory equivalent for tests
//
// A missing instance ID always means "not yet processed". Stages never write
// placeholder records for instances they could not handle; the absence itself
// is the signal that a re-run should pick the instance up.
package artifact
