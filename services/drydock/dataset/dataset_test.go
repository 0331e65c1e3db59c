// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataset(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lite.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0640))
	return path
}

func TestTestListUnmarshal(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		var tl TestList
		require.NoError(t, json.Unmarshal([]byte(`["test_a","test_b"]`), &tl))
		assert.Equal(t, TestList{"test_a", "test_b"}, tl)
	})

	t.Run("string wrapped array", func(t *testing.T) {
		var tl TestList
		require.NoError(t, json.Unmarshal([]byte(`"[\"test_a\", \"test_b\"]"`), &tl))
		assert.Equal(t, TestList{"test_a", "test_b"}, tl)
	})

	t.Run("empty string", func(t *testing.T) {
		var tl TestList
		require.NoError(t, json.Unmarshal([]byte(`""`), &tl))
		assert.Empty(t, tl)
	})

	t.Run("garbage", func(t *testing.T) {
		var tl TestList
		assert.Error(t, json.Unmarshal([]byte(`42`), &tl))
	})
}

func TestLoad(t *testing.T) {
	t.Run("preserves file order", func(t *testing.T) {
		path := writeDataset(t, `{"instance_id":"b","repo":"o/b","base_commit":"c1","problem_statement":"p1"}
{"instance_id":"a","repo":"o/a","base_commit":"c2","problem_statement":"p2"}
`)
		ds, err := Load("lite", path, nil)
		require.NoError(t, err)
		assert.Equal(t, "lite", ds.Name())
		assert.Equal(t, 2, ds.Len())
		assert.Equal(t, []string{"b", "a"}, ds.IDs())
	})

	t.Run("skips malformed and duplicate lines", func(t *testing.T) {
		path := writeDataset(t, `{"instance_id":"a","repo":"o/a","problem_statement":"first"}
nonsense
{"repo":"o/none"}
{"instance_id":"a","repo":"o/a","problem_statement":"second"}
`)
		ds, err := Load("lite", path, nil)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ds.IDs())

		inst, ok := ds.Get("a")
		require.True(t, ok)
		assert.Equal(t, "first", inst.ProblemStatement)
	})

	t.Run("decodes test metadata", func(t *testing.T) {
		path := writeDataset(t, `{"instance_id":"a","repo":"o/a","FAIL_TO_PASS":"[\"t1\"]","PASS_TO_PASS":["t2","t3"]}
`)
		ds, err := Load("lite", path, nil)
		require.NoError(t, err)
		inst, _ := ds.Get("a")
		assert.Equal(t, TestList{"t1"}, inst.FailToPass)
		assert.Equal(t, TestList{"t2", "t3"}, inst.PassToPass)
	})

	t.Run("empty file fails", func(t *testing.T) {
		path := writeDataset(t, "\n\n")
		_, err := Load("lite", path, nil)
		assert.ErrorIs(t, err, ErrEmptyDataset)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load("lite", filepath.Join(t.TempDir(), "nope.jsonl"), nil)
		assert.Error(t, err)
	})
}

func TestFilter(t *testing.T) {
	path := writeDataset(t, `{"instance_id":"a","repo":"o/a"}
{"instance_id":"b","repo":"o/b"}
`)
	ds, err := Load("lite", path, nil)
	require.NoError(t, err)

	t.Run("empty ID is a passthrough", func(t *testing.T) {
		got, err := ds.Filter("")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Len())
	})

	t.Run("narrows to one instance", func(t *testing.T) {
		got, err := ds.Filter("b")
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, got.IDs())
		assert.Equal(t, "lite", got.Name())
	})

	t.Run("unknown ID fails loudly", func(t *testing.T) {
		_, err := ds.Filter("typo")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, filepath.Join("datasets", "swe-bench-lite.jsonl"), PathFor("swe-bench-lite"))
}
