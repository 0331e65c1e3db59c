// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matrix

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateKey(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		assert.Equal(t, "loc0_repair0", CandidateKey{}.String())
		assert.Equal(t, "loc2_repair7", CandidateKey{Loc: 2, Repair: 7}.String())
	})

	t.Run("parse round trip", func(t *testing.T) {
		key, err := ParseKey("loc3_repair11")
		require.NoError(t, err)
		assert.Equal(t, CandidateKey{Loc: 3, Repair: 11}, key)
	})

	t.Run("parse rejects malformed input", func(t *testing.T) {
		for _, s := range []string{"", "loc_repair", "loc2", "repair7", "loc2_repair7x", "loc-1_repair0"} {
			_, err := ParseKey(s)
			assert.Error(t, err, "input %q", s)
		}
	})

	t.Run("ordering", func(t *testing.T) {
		assert.True(t, CandidateKey{Loc: 0, Repair: 9}.Less(CandidateKey{Loc: 1, Repair: 0}))
		assert.True(t, CandidateKey{Loc: 1, Repair: 0}.Less(CandidateKey{Loc: 1, Repair: 1}))
		assert.False(t, CandidateKey{Loc: 1, Repair: 1}.Less(CandidateKey{Loc: 1, Repair: 1}))
	})
}

func TestKeys(t *testing.T) {
	t.Run("dense enumeration", func(t *testing.T) {
		keys := Keys(2, 3)
		require.Len(t, keys, 6)
		assert.Equal(t, CandidateKey{Loc: 0, Repair: 0}, keys[0])
		assert.Equal(t, CandidateKey{Loc: 0, Repair: 2}, keys[2])
		assert.Equal(t, CandidateKey{Loc: 1, Repair: 0}, keys[3])
		assert.Equal(t, CandidateKey{Loc: 1, Repair: 2}, keys[5])
	})

	t.Run("degenerate dimensions", func(t *testing.T) {
		assert.Nil(t, Keys(0, 5))
		assert.Nil(t, Keys(5, 0))
	})
}

func TestMatrix(t *testing.T) {
	t.Run("tracks completeness", func(t *testing.T) {
		m := New()
		assert.False(t, m.Complete(2, 2))

		for _, key := range Keys(2, 2) {
			m.Mark(key)
		}
		assert.True(t, m.Complete(2, 2))
		assert.Equal(t, 4, m.Count())
		assert.Empty(t, m.Missing(2, 2))
	})

	t.Run("missing keys in canonical order", func(t *testing.T) {
		m := New()
		m.Mark(CandidateKey{Loc: 0, Repair: 1})
		m.Mark(CandidateKey{Loc: 1, Repair: 0})

		missing := m.Missing(2, 2)
		assert.Equal(t, []CandidateKey{
			{Loc: 0, Repair: 0},
			{Loc: 1, Repair: 1},
		}, missing)
	})

	t.Run("double mark is harmless", func(t *testing.T) {
		m := New()
		m.Mark(CandidateKey{})
		m.Mark(CandidateKey{})
		assert.Equal(t, 1, m.Count())
	})

	t.Run("marked keys sorted", func(t *testing.T) {
		m := New()
		m.Mark(CandidateKey{Loc: 1, Repair: 0})
		m.Mark(CandidateKey{Loc: 0, Repair: 2})
		m.Mark(CandidateKey{Loc: 0, Repair: 0})

		assert.Equal(t, []CandidateKey{
			{Loc: 0, Repair: 0},
			{Loc: 0, Repair: 2},
			{Loc: 1, Repair: 0},
		}, m.MarkedKeys())
	})

	t.Run("concurrent marks", func(t *testing.T) {
		m := New()
		keys := Keys(4, 10)

		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(k CandidateKey) {
				defer wg.Done()
				m.Mark(k)
			}(key)
		}
		wg.Wait()

		assert.True(t, m.Complete(4, 10))
	})
}

func TestArtifactNaming(t *testing.T) {
	assert.Equal(t,
		filepath.Join("results", "edit_locations", "samples_2.jsonl"),
		SampleArtifact(filepath.Join("results", "edit_locations"), 2),
	)
	assert.Equal(t,
		filepath.Join("results", "repair_3"),
		RepairDir("results", 3),
	)
	assert.Equal(t, "merge_samples_0", MergeStageName(0))
	assert.Equal(t, "repair_7", RepairStageName(7))
}
