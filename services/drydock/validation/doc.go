// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation runs every repair candidate against two independent
// test tracks and records the pass/fail matrix the reranker scores.
//
// The regression track guards existing behavior:
//
//	regression_baseline  unpatched repo          -> tests that pass today
//	regression_select    baseline + issue        -> regression gate subset
//	regression_run       gate x L*R candidates   -> per-candidate records
//
// The reproduction track checks the issue is actually fixed:
//
//	reproduction_generate issue                  -> N candidate test scripts
//	reproduction_verify   scripts on unpatched   -> scripts showing the bug
//	reproduction_select   majority vote          -> one script per instance
//	reproduction_run      script x L*R candidates-> per-candidate records
//
// Test execution goes through the Harness boundary. A harness that cannot
// be reached at all (ErrHarnessUnavailable) aborts the run; any other
// execution failure degrades that one record to unknown and the stage
// keeps going. Every candidate in scope ends with exactly one terminal
// record per track.
package validation
