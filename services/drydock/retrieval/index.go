// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval ranks repository files against issue text so
// localization can recover files the model missed. The production
// implementation chunks files into a Weaviate vector class and searches
// it with nearText; StubIndex provides the same interface without a
// running store.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// ScoredFile is one ranked retrieval result.
type ScoredFile struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Index is the embedding-retrieval boundary.
//
// Description:
//
//	The index recovers files the model-side localization missed by ranking
//	repository files against the issue text. How the ranking happens is the
//	implementation's business: WeaviateIndex embeds and searches a vector
//	class, StubIndex ranks by plain term overlap.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Index interface {
	// EnsureIndexed makes the instance's documents queryable. docs maps
	// file path to file content. Idempotent; already-indexed content is
	// skipped.
	EnsureIndexed(ctx context.Context, instanceID string, docs map[string]string) error

	// Query returns up to k files ranked by relevance to the issue text,
	// most relevant first.
	Query(ctx context.Context, instanceID, issue string, k int) ([]ScoredFile, error)
}

// -----------------------------------------------------------------------------
// StubIndex
// -----------------------------------------------------------------------------

// StubIndex ranks files by issue-term overlap.
//
// Description:
//
//	A deterministic stand-in for the embedding index: no external service,
//	no persistence. Useful in tests and for running the pipeline without a
//	live vector store.
//
// Thread Safety: Safe for concurrent use.
type StubIndex struct {
	mu   sync.RWMutex
	docs map[string]map[string]string
}

// NewStubIndex creates an empty StubIndex.
func NewStubIndex() *StubIndex {
	return &StubIndex{
		docs: make(map[string]map[string]string),
	}
}

// EnsureIndexed stores the documents for later queries.
func (s *StubIndex) EnsureIndexed(ctx context.Context, instanceID string, docs map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[instanceID]
	if !ok {
		stored = make(map[string]string, len(docs))
		s.docs[instanceID] = stored
	}
	for path, content := range docs {
		stored[path] = content
	}
	return nil
}

// Query ranks the instance's documents by distinct issue-term hits. Path
// hits count double; ties break on path order so results are stable.
func (s *StubIndex) Query(ctx context.Context, instanceID, issue string, k int) ([]ScoredFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k < 1 {
		return nil, nil
	}

	terms := queryTerms(issue)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.docs[instanceID]
	results := make([]ScoredFile, 0, len(docs))
	for path, content := range docs {
		lowerPath := strings.ToLower(path)
		lowerContent := strings.ToLower(content)

		var score float64
		for _, term := range terms {
			if strings.Contains(lowerPath, term) {
				score += 2
			}
			if strings.Contains(lowerContent, term) {
				score++
			}
		}
		if score > 0 {
			results = append(results, ScoredFile{Path: path, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// queryTerms extracts deduplicated lowercase terms of three or more
// characters from the issue text.
func queryTerms(issue string) []string {
	fields := strings.FieldsFunc(strings.ToLower(issue), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}
