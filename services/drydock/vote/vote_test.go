// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vote

import (
	"strings"
	"testing"
)

type sample struct {
	index   int
	content string
}

func normalize(s sample) string {
	return strings.TrimSpace(strings.ToLower(s.content))
}

func TestCluster(t *testing.T) {
	items := []sample{
		{0, "Fix A"},
		{1, "fix b"},
		{2, "fix a"},
		{3, "  fix a  "},
	}

	groups := Cluster(items, normalize)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}

	if groups[0].Key != "fix a" || groups[0].Weight != 3 {
		t.Errorf("first group = %q weight %d, want \"fix a\" weight 3", groups[0].Key, groups[0].Weight)
	}
	if groups[1].Key != "fix b" || groups[1].Weight != 1 {
		t.Errorf("second group = %q weight %d, want \"fix b\" weight 1", groups[1].Key, groups[1].Weight)
	}

	// Members keep input order.
	got := groups[0].Members
	if got[0].index != 0 || got[1].index != 2 || got[2].index != 3 {
		t.Errorf("member order = %v, want indices 0,2,3", got)
	}
}

func TestClusterEmptyInput(t *testing.T) {
	if groups := Cluster(nil, normalize); groups != nil {
		t.Errorf("expected nil groups for empty input, got %v", groups)
	}
}

func TestMajority(t *testing.T) {
	t.Run("heaviest group wins", func(t *testing.T) {
		items := []sample{
			{0, "x"},
			{1, "y"},
			{2, "y"},
		}
		winner, ok := Majority(items, normalize)
		if !ok {
			t.Fatal("expected a winner")
		}
		if winner.Key != "y" {
			t.Errorf("winner = %q, want y", winner.Key)
		}
	})

	t.Run("weight tie breaks to earliest key", func(t *testing.T) {
		items := []sample{
			{0, "x"},
			{1, "y"},
			{2, "x"},
			{3, "y"},
		}
		winner, ok := Majority(items, normalize)
		if !ok {
			t.Fatal("expected a winner")
		}
		if winner.Key != "x" {
			t.Errorf("winner = %q, want x (first seen)", winner.Key)
		}
		if winner.Members[0].index != 0 {
			t.Errorf("first member index = %d, want 0", winner.Members[0].index)
		}
	})

	t.Run("empty keys never win", func(t *testing.T) {
		items := []sample{
			{0, "   "},
			{1, "   "},
			{2, "real"},
		}
		winner, ok := Majority(items, normalize)
		if !ok {
			t.Fatal("expected a winner")
		}
		if winner.Key != "real" {
			t.Errorf("winner = %q, want real", winner.Key)
		}
	})

	t.Run("all empty keys", func(t *testing.T) {
		items := []sample{{0, ""}, {1, "  "}}
		if _, ok := Majority(items, normalize); ok {
			t.Error("expected no winner when every key is empty")
		}
	})
}

func TestSelect(t *testing.T) {
	score := func(g Group[sample]) float64 { return float64(g.Weight) }
	lowestIndex := func(a, b Group[sample]) bool {
		return a.Members[0].index < b.Members[0].index
	}

	t.Run("highest score wins", func(t *testing.T) {
		groups := Cluster([]sample{
			{0, "a"},
			{1, "b"},
			{2, "b"},
		}, normalize)

		best, ok := Select(groups, score, lowestIndex)
		if !ok || best.Key != "b" {
			t.Fatalf("best = %q ok=%v, want b", best.Key, ok)
		}
	})

	t.Run("score tie falls to comparator", func(t *testing.T) {
		groups := Cluster([]sample{
			{0, "a"},
			{1, "b"},
		}, normalize)

		best, ok := Select(groups, score, lowestIndex)
		if !ok || best.Key != "a" {
			t.Fatalf("best = %q ok=%v, want a (lowest index)", best.Key, ok)
		}

		// Same winner regardless of group order.
		reversed := []Group[sample]{groups[1], groups[0]}
		best2, _ := Select(reversed, score, lowestIndex)
		if best2.Key != best.Key {
			t.Errorf("selection depends on group order: %q vs %q", best.Key, best2.Key)
		}
	})

	t.Run("empty groups", func(t *testing.T) {
		if _, ok := Select(nil, score, lowestIndex); ok {
			t.Error("expected no selection from empty groups")
		}
	})
}
