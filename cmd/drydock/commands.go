// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Run configuration (shared by run and stages so both resolve the
	// same pipeline shape)
	flagConfig              string
	flagDataset             string
	flagDatasetFile         string
	flagInstance            string
	flagResults             string
	flagThreads             int
	flagRepairThreads       int
	flagValidationWorkers   int
	flagTopN                int
	flagLocSamples          int
	flagRepairSamples       int
	flagReproductionSamples int
	flagPersistDir          string
	flagSkipExisting        bool
	flagModel               string
	flagTemperature         float32
	flagInferenceCooldown   time.Duration

	// Logging
	flagLogDir  string
	flagVerbose bool
	flagQuiet   bool

	// Run-only collaborator bindings
	flagWeaviateURL    string
	flagHarnessCmd     string
	flagHarnessTimeout time.Duration
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// rootCmd is the drydock entry point.
var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "Automated program repair over benchmark issue datasets",
	Long: `Drydock localizes the code behind a repository issue, generates
candidate patches, validates them against regression and reproduction
tests, and selects the best one.

The pipeline is a sequence of stages that each read and write JSONL
artifacts under the results root. A failed run is resumed by running
it again: completed per-instance work is skipped.

Prerequisites:
  OPENAI_API_KEY             inference credentials
  DRYDOCK_REPO_STRUCTURES    directory of per-instance repo structure JSON

Examples:
  drydock run --harness-cmd "swebench-runner" --dataset swe-bench-lite
  drydock run --instance astropy__astropy-12907 --verbose
  drydock stages`,
}

// runCmd executes the full pipeline.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the repair pipeline end to end",
	Long: `Run localization, repair, validation, and reranking for every
instance in the dataset (or the one named by --instance).

Configuration precedence: command-line flags override the --config file,
which overrides built-in defaults. The execution harness is an external
command (--harness-cmd) that receives a run request as JSON on stdin and
prints a JSON result on stdout.

Exit codes:
  0  every stage completed
  1  a stage failed (rerun to resume from its artifacts)
  2  invalid configuration or missing precondition

Examples:
  drydock run --harness-cmd "swebench-runner"
  drydock run --config eval.yaml --results results/ablation-7
  drydock run --instance django__django-11099 --loc-samples 2 --repair-samples 5`,
	Args: cobra.NoArgs,
	Run:  runRun,
}

// stagesCmd prints the resolved stage order without running anything.
var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Print the resolved stage execution order",
	Long: `Print the stage names in execution order, one per line, for the
current configuration. The order depends on --loc-samples: each location
sample adds a merge stage and a repair leg.

Examples:
  drydock stages
  drydock stages --loc-samples 2
  drydock stages --config eval.yaml`,
	Args: cobra.NoArgs,
	Run:  runStages,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

// registerConfigFlags binds the pipeline configuration flags to fs.
//
// The flags are persistent on the root command so run and stages resolve
// the same configuration; tests register them on throwaway flag sets.
func registerConfigFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConfig, "config", "",
		"YAML configuration file (flags override its values)")
	fs.StringVar(&flagDataset, "dataset", "swe-bench-lite",
		"Benchmark dataset identifier")
	fs.StringVar(&flagDatasetFile, "dataset-file", "",
		"Explicit dataset JSONL path (overrides the conventional location)")
	fs.StringVar(&flagInstance, "instance", "",
		"Restrict the run to one instance ID")
	fs.StringVar(&flagResults, "results", "",
		"Artifact root directory (default results/<dataset>)")
	fs.IntVar(&flagThreads, "threads", 10,
		"Instance-level workers for ordinary stages")
	fs.IntVar(&flagRepairThreads, "repair-threads", 2,
		"Instance-level workers for repair stages")
	fs.IntVar(&flagValidationWorkers, "validation-workers", 4,
		"Concurrent harness executions during validation")
	fs.IntVar(&flagTopN, "top-n", 3,
		"Files kept when combining localization results")
	fs.IntVar(&flagLocSamples, "loc-samples", 4,
		"Independent edit-location samples (fan-out width)")
	fs.IntVar(&flagRepairSamples, "repair-samples", 10,
		"Patch candidates per location sample")
	fs.IntVar(&flagReproductionSamples, "reproduction-samples", 40,
		"Candidate reproduction tests per instance")
	fs.StringVar(&flagPersistDir, "persist-dir", "embeddings/persist",
		"Embedding-index cache directory")
	fs.BoolVar(&flagSkipExisting, "skip-existing", true,
		"Skip instances already present in a stage's output artifact")
	fs.StringVar(&flagModel, "model", "gpt-4o-2024-05-13",
		"Inference model identifier")
	fs.Float32Var(&flagTemperature, "temperature", 0.8,
		"Sampling temperature for non-greedy generations")
	fs.DurationVar(&flagInferenceCooldown, "inference-cooldown", time.Second,
		"Minimum gap between inference requests")
}

func init() {
	registerConfigFlags(rootCmd.PersistentFlags())

	// Logging
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "",
		"Also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false,
		"Suppress stderr logging (file logging still applies)")

	// Collaborator bindings (run only)
	runCmd.Flags().StringVar(&flagWeaviateURL, "weaviate-url", "",
		"Vector store endpoint for embedding retrieval (default $DRYDOCK_WEAVIATE_URL; empty uses term-overlap ranking)")
	runCmd.Flags().StringVar(&flagHarnessCmd, "harness-cmd", "",
		"Execution harness command (default $DRYDOCK_HARNESS_CMD); receives RunSpec JSON on stdin")
	runCmd.Flags().DurationVar(&flagHarnessTimeout, "harness-timeout", 30*time.Minute,
		"Timeout per harness execution")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stagesCmd)
}
