// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command drydock drives the automated program-repair pipeline:
// localization, repair fan-out, two-track validation, and reranking over
// a benchmark of real repository issues.
//
// Usage:
//
//	drydock run --dataset swe-bench-lite --harness-cmd "swebench-runner"
//	drydock run --instance django__django-11099 --verbose
//	drydock stages --loc-samples 2
//
// Every stage writes a JSONL artifact under the results root; re-running
// after a failure resumes from the artifacts already on disk.
package main

import (
	"fmt"
	"os"
)

// Exit codes for the drydock CLI.
const (
	ExitSuccess      = 0 // Pipeline completed, every stage succeeded
	ExitStageFailure = 1 // A stage failed; artifacts up to it are on disk
	ExitBadConfig    = 2 // Invalid configuration or missing precondition
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadConfig)
	}
}
