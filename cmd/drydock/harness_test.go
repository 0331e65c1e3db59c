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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/drydock/services/drydock/validation"
)

// writeHarnessScript materializes a shell script and returns its path.
func writeHarnessScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestNewExecHarnessEmptyCommand(t *testing.T) {
	_, err := newExecHarness("", time.Minute, nil)
	require.Error(t, err)

	_, err = newExecHarness("   ", time.Minute, nil)
	require.Error(t, err)
}

func TestNewExecHarnessSplitsArgs(t *testing.T) {
	h, err := newExecHarness("docker run --rm repair-sandbox", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "docker", h.name)
	assert.Equal(t, []string{"run", "--rm", "repair-sandbox"}, h.args)
}

func TestExecHarnessRoundTrip(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "spec.json")
	t.Setenv("DRYDOCK_TEST_SPEC_SINK", sink)

	script := writeHarnessScript(t, `cat > "$DRYDOCK_TEST_SPEC_SINK"
printf '{"test_status":{"test_auth":true,"test_db":false},"output":"2 ran"}'`)

	h, err := newExecHarness(script, 0, nil)
	require.NoError(t, err)

	spec := validation.RunSpec{
		InstanceID: "django__django-11099",
		RunID:      "run-7",
		Patch:      "--- a/f.py\n+++ b/f.py\n",
		Tests:      []string{"test_auth", "test_db"},
	}
	result, err := h.Run(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, map[string]bool{"test_auth": true, "test_db": false}, result.TestStatus)
	assert.Equal(t, "2 ran", result.Output)

	// The spec arrived on stdin as JSON.
	raw, err := os.ReadFile(sink)
	require.NoError(t, err)
	var got validation.RunSpec
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, spec, got)
}

func TestExecHarnessPassesArgs(t *testing.T) {
	script := writeHarnessScript(t, `printf '{"output":"%s"}' "$1"`)

	h, err := newExecHarness(script+" sandbox-profile", time.Minute, nil)
	require.NoError(t, err)

	result, err := h.Run(context.Background(), validation.RunSpec{RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-profile", result.Output)
}

func TestExecHarnessEmptyResult(t *testing.T) {
	script := writeHarnessScript(t, `cat > /dev/null
printf '{}'`)

	h, err := newExecHarness(script, time.Minute, nil)
	require.NoError(t, err)

	result, err := h.Run(context.Background(), validation.RunSpec{RunID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, result.TestStatus)
	assert.Empty(t, result.Output)
}

func TestExecHarnessNonzeroExit(t *testing.T) {
	script := writeHarnessScript(t, `echo "sandbox exploded" >&2
exit 3`)

	h, err := newExecHarness(script, time.Minute, nil)
	require.NoError(t, err)

	_, err = h.Run(context.Background(), validation.RunSpec{RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "harness exited 3")
	assert.Contains(t, err.Error(), "sandbox exploded")
	assert.False(t, errors.Is(err, validation.ErrHarnessUnavailable),
		"a nonzero exit fails one run, not the whole harness")
}

func TestExecHarnessMissingBinary(t *testing.T) {
	h, err := newExecHarness("/nonexistent/drydock-test-harness", time.Minute, nil)
	require.NoError(t, err)

	_, err = h.Run(context.Background(), validation.RunSpec{RunID: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, validation.ErrHarnessUnavailable)
}

func TestExecHarnessTimeout(t *testing.T) {
	script := writeHarnessScript(t, `exec sleep 5`)

	h, err := newExecHarness(script, 100*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Run(context.Background(), validation.RunSpec{RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.False(t, errors.Is(err, validation.ErrHarnessUnavailable))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecHarnessUnparseableOutput(t *testing.T) {
	script := writeHarnessScript(t, `echo "segfault trace, not JSON"`)

	h, err := newExecHarness(script, time.Minute, nil)
	require.NoError(t, err)

	_, err = h.Run(context.Background(), validation.RunSpec{RunID: "r9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse harness output")
	assert.Contains(t, err.Error(), "r9")
	assert.False(t, errors.Is(err, validation.ErrHarnessUnavailable))
}

func TestStderrTail(t *testing.T) {
	var empty bytes.Buffer
	assert.Equal(t, "(no stderr)", stderrTail(&empty))

	short := bytes.NewBufferString("  a short error\n")
	assert.Equal(t, "a short error", stderrTail(short))

	long := bytes.NewBufferString(strings.Repeat("x", maxStderrTail) + "the tail")
	got := stderrTail(long)
	assert.Len(t, got, maxStderrTail)
	assert.True(t, strings.HasSuffix(got, "the tail"), "keeps the end of the stream")
}
