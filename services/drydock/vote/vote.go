// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vote clusters items under a normalization key and selects
// winners deterministically. The reranker votes over normalized patches;
// reproduction-test selection votes over normalized test content.
package vote

// Group holds the items whose normalization collapsed to one key.
//
// # Description
//
// Members keep input order; Weight is the member count. Groups returned by
// Cluster are ordered by first appearance of their key in the input, which
// callers rely on for deterministic tie-breaking.
type Group[T any] struct {
	// Key is the shared normalization key.
	Key string

	// Members are the clustered items, in input order.
	Members []T

	// Weight is len(Members).
	Weight int
}

// Cluster groups items by a normalization function.
//
// # Description
//
// Items mapping to the same key join one group. Group order follows the
// first appearance of each key; member order follows the input. Empty keys
// cluster like any other, so callers that treat "" as disqualified must
// filter the result themselves.
//
// # Inputs
//
//   - items: The population to cluster. May be empty.
//   - keyFn: Normalization function. Must be deterministic.
//
// # Outputs
//
//   - []Group[T]: One group per distinct key. Nil for empty input.
//
// # Thread Safety
//
// Stateless and safe for concurrent use.
func Cluster[T any](items []T, keyFn func(T) string) []Group[T] {
	if len(items) == 0 {
		return nil
	}

	index := make(map[string]int, len(items))
	var groups []Group[T]
	for _, item := range items {
		key := keyFn(item)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group[T]{Key: key})
		}
		groups[i].Members = append(groups[i].Members, item)
		groups[i].Weight++
	}
	return groups
}

// Majority returns the heaviest non-empty-key group.
//
// # Description
//
// Groups with an empty key never win; they hold items whose normalization
// produced nothing usable. Ties in weight break toward the group whose key
// appeared first in the input, so when items arrive in sample-index order
// the lowest sample index wins.
//
// # Inputs
//
//   - items: The population to vote over.
//   - keyFn: Normalization function. Must be deterministic.
//
// # Outputs
//
//   - Group[T]: The winning group.
//   - bool: False when no item produced a non-empty key.
func Majority[T any](items []T, keyFn func(T) string) (Group[T], bool) {
	var winner Group[T]
	found := false
	for _, g := range Cluster(items, keyFn) {
		if g.Key == "" {
			continue
		}
		if !found || g.Weight > winner.Weight {
			winner = g
			found = true
		}
	}
	return winner, found
}

// Select returns the best group under a score function.
//
// # Description
//
// The group with the strictly highest score wins. Groups with exactly
// equal scores fall to the less comparator: among tied groups the minimum
// under less is selected. With a total, deterministic comparator the
// result is independent of group order.
//
// # Inputs
//
//   - groups: Candidate groups. May be empty.
//   - score: Scoring function. Higher is better.
//   - less: Tie-break comparator. Must be a strict total order on tied
//     groups.
//
// # Outputs
//
//   - Group[T]: The selected group.
//   - bool: False when groups is empty.
func Select[T any](groups []Group[T], score func(Group[T]) float64, less func(a, b Group[T]) bool) (Group[T], bool) {
	if len(groups) == 0 {
		var zero Group[T]
		return zero, false
	}

	best := groups[0]
	bestScore := score(best)
	for _, g := range groups[1:] {
		s := score(g)
		switch {
		case s > bestScore:
			best = g
			bestScore = s
		case s == bestScore && less(g, best):
			best = g
		}
	}
	return best, true
}
