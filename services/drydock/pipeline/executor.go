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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
)

var (
	tracer = otel.Tracer("drydock.pipeline")
	meter  = otel.Meter("drydock.pipeline")
)

// Executor runs a plan stage by stage with observability.
//
// Description:
//
//	Stages run strictly sequentially in plan order; parallelism lives
//	inside stages, across instances. Each stage moves through
//	pending → running → completed or failed. A stage starts only when
//	every declared input artifact exists on disk; the first failure
//	aborts the run with no retry and no rollback. Re-invoking the run
//	with skip-existing enabled is the supported recovery path.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple runs can share one
//	Executor.
type Executor struct {
	logger *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce     sync.Once
	stageLatency    metric.Float64Histogram
	stageSuccesses  metric.Int64Counter
	stageFailures   metric.Int64Counter
	pipelineLatency metric.Float64Histogram
}

// NewExecutor creates a plan executor.
//
// Inputs:
//
//	logger - Logger for execution logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Executor - The configured executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.stageLatency, err = meter.Float64Histogram("pipeline_stage_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_latency: "+err.Error())
		}

		e.stageSuccesses, err = meter.Int64Counter("pipeline_stage_success_total",
			metric.WithDescription("Number of successful stage executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_successes: "+err.Error())
		}

		e.stageFailures, err = meter.Int64Counter("pipeline_stage_failure_total",
			metric.WithDescription("Number of failed stage executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "stage_failures: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the plan from start to completion.
//
// Description:
//
//	Walks the plan in order. On the first stage failure the run aborts
//	immediately and the returned error is a *StageError naming the
//	stage; the Report still carries every stage's terminal or pending
//	status for the caller's summary.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	plan - The validated plan. Must not be nil.
//	rc - The run context shared by all stages. Must not be nil.
//
// Outputs:
//
//	*Report - Per-stage results and run outcome. Never nil when error
//	          originates from a stage.
//	error - Non-nil on failure.
func (e *Executor) Run(ctx context.Context, plan *Plan, rc *RunContext) (*Report, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if plan == nil || rc == nil {
		return nil, fmt.Errorf("%w: nil plan or run context", ErrNilStage)
	}

	e.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.dataset", rc.Config.Dataset),
			attribute.Int("pipeline.stage_count", plan.StageCount()),
		),
	)
	defer span.End()

	start := time.Now()
	runID := uuid.NewString()[:12] // 48 bits of entropy

	report := &Report{
		RunID:     runID,
		StartedAt: start,
		Stages:    make([]StageResult, plan.StageCount()),
	}
	for i, s := range plan.Stages() {
		report.Stages[i] = StageResult{
			Name:   s.Name(),
			Status: StatusPending,
			Output: s.Output(),
		}
	}

	e.logger.Info("pipeline started",
		slog.String("run_id", runID),
		slog.String("dataset", rc.Config.Dataset),
		slog.Int("stages", plan.StageCount()),
		slog.Int("instances", rc.Dataset.Len()),
	)

	for i, stage := range plan.Stages() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return e.fail(report, i, start, err), err
		}

		if err := e.checkInputs(stage, rc); err != nil {
			stageErr := NewStageError(stage.Name(), err)
			span.RecordError(stageErr)
			span.SetStatus(codes.Error, stageErr.Error())
			return e.fail(report, i, start, stageErr), stageErr
		}

		report.Stages[i].Status = StatusRunning
		duration, err := e.executeStage(ctx, stage, rc, runID)
		report.Stages[i].Duration = duration

		if err != nil {
			stageErr := NewStageError(stage.Name(), err)
			span.RecordError(stageErr)
			span.SetStatus(codes.Error, stageErr.Error())
			return e.fail(report, i, start, stageErr), stageErr
		}
		report.Stages[i].Status = StatusCompleted
	}

	report.Success = true
	report.Duration = time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, report.Duration.Seconds(),
			metric.WithAttributes(attribute.String("dataset", rc.Config.Dataset)),
		)
	}
	span.SetStatus(codes.Ok, "")

	e.logger.Info("pipeline completed",
		slog.String("run_id", runID),
		slog.Duration("duration", report.Duration),
		slog.Int("stages_run", report.StagesRun()),
	)
	return report, nil
}

// checkInputs verifies every declared input artifact exists on disk.
func (e *Executor) checkInputs(stage Stage, rc *RunContext) error {
	for _, handle := range stage.Inputs() {
		if !artifact.Exists(rc.ArtifactPath(handle)) {
			return fmt.Errorf("%w: %s", ErrMissingInput, handle)
		}
	}
	return nil
}

// executeStage runs a single stage with observability.
func (e *Executor) executeStage(ctx context.Context, stage Stage, rc *RunContext, runID string) (time.Duration, error) {
	ctx, span := tracer.Start(ctx, stage.Name(),
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage.Name()),
			attribute.StringSlice("pipeline.inputs", stage.Inputs()),
			attribute.String("pipeline.output", stage.Output()),
			attribute.String("pipeline.run_id", runID),
		),
	)
	defer span.End()

	e.logger.Info("stage starting",
		slog.String("stage", stage.Name()),
		slog.String("run_id", runID),
	)

	start := time.Now()
	err := stage.Run(ctx, rc)
	duration := time.Since(start)

	if e.stageLatency != nil {
		e.stageLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("stage", stage.Name())),
		)
	}

	if err != nil {
		if e.stageFailures != nil {
			e.stageFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("stage", stage.Name())),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		e.logger.Error("stage failed",
			slog.String("stage", stage.Name()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return duration, err
	}

	if e.stageSuccesses != nil {
		e.stageSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")

	e.logger.Info("stage completed",
		slog.String("stage", stage.Name()),
		slog.Duration("duration", duration),
	)
	return duration, nil
}

// fail finalizes the report after an aborted run.
func (e *Executor) fail(report *Report, stageIdx int, start time.Time, err error) *Report {
	report.Duration = time.Since(start)
	report.Success = false
	report.Error = err.Error()
	if stageIdx < len(report.Stages) {
		report.Stages[stageIdx].Status = StatusFailed
		report.Stages[stageIdx].Error = err.Error()
		report.FailedStage = report.Stages[stageIdx].Name
	}

	e.logger.Error("pipeline failed",
		slog.String("run_id", report.RunID),
		slog.String("failed_stage", report.FailedStage),
		slog.String("error", report.Error),
	)
	return report
}
