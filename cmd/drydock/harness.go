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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/drydock/services/drydock/validation"
)

// maxStderrTail bounds how much harness stderr is folded into an error.
const maxStderrTail = 4096

// execHarness runs sandbox executions through an external command.
//
// Description:
//
//	Each execution invokes the configured command once, writes the
//	validation.RunSpec as JSON to its stdin, and parses a
//	validation.RunResult as JSON from its stdout. The command owns the
//	sandbox: checking out the instance snapshot, applying the patch,
//	running tests. Its exit status reports harness health, not test
//	outcomes; test outcomes ride in the result's test_status and output
//	fields, so a harness that ran failing tests still exits 0.
//
// Outputs:
//   - A command that cannot be started at all maps to
//     validation.ErrHarnessUnavailable, which aborts the run.
//   - A nonzero exit, a timeout, or unparseable output fails only that
//     one execution.
//
// Thread Safety: Safe for concurrent use; each Run spawns its own
// process.
type execHarness struct {
	name    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// newExecHarness builds an execHarness from a command line.
//
// The command is split on whitespace; shell quoting is not interpreted.
// Wrap anything that needs quoting in a script.
func newExecHarness(command string, timeout time.Duration, logger *slog.Logger) (*execHarness, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("harness command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &execHarness{
		name:    fields[0],
		args:    fields[1:],
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Run executes one sandbox run through the external command.
func (h *execHarness) Run(ctx context.Context, spec validation.RunSpec) (validation.RunResult, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return validation.RunResult{}, fmt.Errorf("encode run spec: %w", err)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, h.name, h.args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug("harness run",
		slog.String("instance_id", spec.InstanceID),
		slog.String("run_id", spec.RunID),
		slog.Int("tests", len(spec.Tests)),
		slog.Bool("script", spec.Script != ""),
	)

	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		h.logger.Warn("harness run timed out",
			slog.String("instance_id", spec.InstanceID),
			slog.String("run_id", spec.RunID),
			slog.Duration("timeout", h.timeout),
		)
		return validation.RunResult{}, fmt.Errorf("harness run %s timed out after %s", spec.RunID, h.timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return validation.RunResult{}, fmt.Errorf("harness exited %d: %s",
				exitErr.ExitCode(), stderrTail(&stderr))
		}
		// Anything other than a nonzero exit means the command never ran:
		// missing binary, permission denied, fork failure. That breaks
		// every subsequent execution the same way.
		return validation.RunResult{}, fmt.Errorf("%w: %s: %v",
			validation.ErrHarnessUnavailable, h.name, runErr)
	}

	var result validation.RunResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return validation.RunResult{}, fmt.Errorf("parse harness output for run %s: %w", spec.RunID, err)
	}
	return result, nil
}

// stderrTail returns the trailing stderr text for error messages.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return "(no stderr)"
	}
	if len(s) > maxStderrTail {
		s = s[len(s)-maxStderrTail:]
	}
	return s
}
