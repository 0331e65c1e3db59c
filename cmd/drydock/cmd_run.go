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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/drydock/pkg/logging"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
	"github.com/AleutianAI/drydock/services/drydock/embedcache"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/retrieval"
)

// runRun executes the full pipeline.
func runRun(cmd *cobra.Command, args []string) {
	// Deferred cleanup (log file, persist cache) runs inside executeRun
	// before the process exits.
	os.Exit(executeRun(cmd))
}

// executeRun is the run command body. Returning instead of exiting lets
// the deferred closes flush the log file and the persist cache.
func executeRun(cmd *cobra.Command) int {
	logger := newRunLogger()
	defer logger.Close()
	log := logger.Slog()

	// Preconditions. Everything here fails before any artifact is
	// touched.
	if _, err := llm.ResolveAPIKey(); err != nil {
		return fail("%v", err)
	}
	structuresDir := os.Getenv(dataset.EnvRepoStructures)
	if structuresDir == "" {
		return fail("%s environment variable not set", dataset.EnvRepoStructures)
	}
	structures, err := dataset.NewStructureDir(structuresDir)
	if err != nil {
		return fail("repo structures: %v", err)
	}
	harnessCmd := flagHarnessCmd
	if harnessCmd == "" {
		harnessCmd = os.Getenv("DRYDOCK_HARNESS_CMD")
	}
	if harnessCmd == "" {
		return fail("no execution harness configured: set --harness-cmd or DRYDOCK_HARNESS_CMD")
	}

	cfg, err := assembleConfig(cmd)
	if err != nil {
		return fail("%v", err)
	}

	datasetPath := cfg.DatasetFile
	if datasetPath == "" {
		datasetPath = dataset.PathFor(cfg.Dataset)
	}
	ds, err := dataset.Load(cfg.Dataset, datasetPath, log)
	if err != nil {
		return fail("load dataset: %v", err)
	}
	if cfg.Instance != "" {
		if ds, err = ds.Filter(cfg.Instance); err != nil {
			return fail("%v", err)
		}
	}

	// Collaborators.
	client, err := llm.NewOpenAIClient(cfg.Model, cfg.InferenceCooldown)
	if err != nil {
		return fail("inference client: %v", err)
	}

	harness, err := newExecHarness(harnessCmd, flagHarnessTimeout, log)
	if err != nil {
		return fail("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("interrupt received, aborting after the current stage operation")
		cancel()
	}()

	index, closeIndex, err := newRetrievalIndex(ctx, cfg, log)
	if err != nil {
		return fail("%v", err)
	}
	defer closeIndex()

	plan, err := buildPlan(cfg, client, index, harness)
	if err != nil {
		return fail("assemble pipeline: %v", err)
	}

	rc := &pipeline.RunContext{
		Config:     cfg,
		Dataset:    ds,
		Structures: structures,
		Logger:     log,
	}

	executor := pipeline.NewExecutor(log)
	report, runErr := executor.Run(ctx, plan, rc)
	if report == nil {
		// Only nil-argument misuse lands here; treat it as a setup bug.
		return fail("pipeline run: %v", runErr)
	}

	printSummary(os.Stdout, report, !stdoutIsTTY())
	if !report.Success {
		return ExitStageFailure
	}
	return ExitSuccess
}

// newRunLogger builds the run logger from the logging flags.
func newRunLogger() *logging.Logger {
	level := logging.LevelInfo
	if flagVerbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  flagLogDir,
		Service: "drydock",
		Quiet:   flagQuiet,
	})
}

// newRetrievalIndex binds the embedding retrieval boundary.
//
// With a vector store endpoint configured (--weaviate-url or
// DRYDOCK_WEAVIATE_URL) this connects a WeaviateIndex backed by the
// persist cache. Without one, the term-overlap StubIndex keeps the
// pipeline runnable; retrieval quality drops but nothing else changes.
func newRetrievalIndex(ctx context.Context, cfg *pipeline.Config, log *slog.Logger) (retrieval.Index, func(), error) {
	weaviateURL := flagWeaviateURL
	if weaviateURL == "" {
		weaviateURL = os.Getenv("DRYDOCK_WEAVIATE_URL")
	}
	// Trim quotes in case the container runtime passes them literally.
	weaviateURL = strings.Trim(weaviateURL, "\"' ")

	if weaviateURL == "" {
		log.Info("no vector store configured, using term-overlap retrieval")
		return retrieval.NewStubIndex(), func() {}, nil
	}

	cache, err := embedcache.Open(embedcache.DefaultConfig(cfg.PersistDir))
	if err != nil {
		log.Warn("embedding persist cache unavailable, re-indexing everything",
			"persist_dir", cfg.PersistDir, "error", err.Error())
		cache = nil
	}
	closeCache := func() {
		if cache == nil {
			return
		}
		if err := cache.Close(); err != nil {
			log.Warn("closing persist cache", "error", err.Error())
		}
	}

	index, err := retrieval.NewWeaviateIndex(ctx, retrieval.WeaviateConfig{
		URL:    weaviateURL,
		Cache:  cache,
		Logger: log,
	})
	if err != nil {
		closeCache()
		return nil, nil, fmt.Errorf("vector store %s: %w", weaviateURL, err)
	}

	return index, closeCache, nil
}

// assembleConfig resolves the run configuration.
//
// Precedence: command-line flags, then the --config file, then built-in
// defaults. The results root follows the dataset name unless set
// explicitly by either source.
func assembleConfig(cmd *cobra.Command) (*pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()

	explicitResults := cmd.Flags().Changed("results")
	if flagConfig != "" {
		fileResults, err := loadConfigFile(flagConfig, cfg)
		if err != nil {
			return nil, err
		}
		explicitResults = explicitResults || fileResults
	}

	applyFlagOverrides(cfg, cmd)

	if !explicitResults {
		cfg.ResultsRoot = filepath.Join("results", cfg.Dataset)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile layers a YAML config file over cfg.
//
// Returns whether the file set results_root, so the caller knows not to
// re-derive it from the dataset name.
func loadConfigFile(path string, cfg *pipeline.Config) (explicitResults bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return false, fmt.Errorf("parse config file %s: %v", path, err)
	}
	var probe struct {
		ResultsRoot *string `yaml:"results_root"`
	}
	if err := yaml.Unmarshal(raw, &probe); err == nil && probe.ResultsRoot != nil {
		explicitResults = true
	}
	return explicitResults, nil
}

// applyFlagOverrides copies every flag set on the command line into cfg.
// Flags left at their defaults never stomp config-file values.
func applyFlagOverrides(cfg *pipeline.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("dataset") {
		cfg.Dataset = flagDataset
	}
	if flags.Changed("dataset-file") {
		cfg.DatasetFile = flagDatasetFile
	}
	if flags.Changed("instance") {
		cfg.Instance = flagInstance
	}
	if flags.Changed("results") {
		cfg.ResultsRoot = flagResults
	}
	if flags.Changed("threads") {
		cfg.Threads = flagThreads
	}
	if flags.Changed("repair-threads") {
		cfg.RepairThreads = flagRepairThreads
	}
	if flags.Changed("validation-workers") {
		cfg.ValidationWorkers = flagValidationWorkers
	}
	if flags.Changed("top-n") {
		cfg.TopN = flagTopN
	}
	if flags.Changed("loc-samples") {
		cfg.LocSamples = flagLocSamples
	}
	if flags.Changed("repair-samples") {
		cfg.RepairSamples = flagRepairSamples
	}
	if flags.Changed("reproduction-samples") {
		cfg.ReproductionSamples = flagReproductionSamples
	}
	if flags.Changed("persist-dir") {
		cfg.PersistDir = flagPersistDir
	}
	if flags.Changed("skip-existing") {
		cfg.SkipExisting = flagSkipExisting
	}
	if flags.Changed("model") {
		cfg.Model = flagModel
	}
	if flags.Changed("temperature") {
		cfg.Temperature = flagTemperature
	}
	if flags.Changed("inference-cooldown") {
		cfg.InferenceCooldown = flagInferenceCooldown
	}
}

// =============================================================================
// SUMMARY OUTPUT
// =============================================================================

// timeRounding keeps printed durations readable.
const timeRounding = time.Millisecond

// stdoutIsTTY reports whether stdout is attached to a terminal.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// printSummary writes the run report: a table for terminals, JSON for
// pipes.
func printSummary(w io.Writer, report *pipeline.Report, asJSON bool) {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode report: %v\n", err)
		}
		return
	}

	fmt.Fprintf(w, "Pipeline Run %s\n", report.RunID)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "  Started:   %s\n", report.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  Duration:  %s\n", report.Duration.Round(timeRounding))
	fmt.Fprintf(w, "  Stages:    %d run / %d planned\n", report.StagesRun(), len(report.Stages))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "  %-28s %-10s %s\n", "STAGE", "STATUS", "DURATION")
	for _, s := range report.Stages {
		duration := "-"
		if s.Duration > 0 {
			duration = s.Duration.Round(timeRounding).String()
		}
		fmt.Fprintf(w, "  %-28s %-10s %s\n", s.Name, s.Status, duration)
	}
	fmt.Fprintln(w)

	if report.Success {
		fmt.Fprintln(w, "Result: SUCCESS")
		return
	}
	fmt.Fprintf(w, "Result: FAILED at %s\n", report.FailedStage)
	if report.Error != "" {
		fmt.Fprintf(w, "  %s\n", report.Error)
	}
	fmt.Fprintln(w, "Rerun the same command to resume from the completed artifacts.")
}

// fail prints a configuration diagnostic and returns the bad-config
// exit code.
func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return ExitBadConfig
}

// fatalf prints a configuration diagnostic and exits immediately. Only
// for paths with nothing open to flush.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(ExitBadConfig)
}
