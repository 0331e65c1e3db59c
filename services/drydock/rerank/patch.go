// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rerank

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// NormalizePatch reduces a unified diff to its semantic content.
//
// Description:
//
//	Two candidates that make the same edit should collapse into one
//	dedup group even when their diffs differ textually. Parsed patches
//	keep only the touched file paths (a/ b/ prefixes stripped) and the
//	added and removed lines with inner whitespace collapsed; hunk
//	positions, context lines, and "no newline" markers drop out, so
//	diffs taken at different offsets or context radii normalize
//	identically. Text go-diff cannot parse falls back to its
//	whitespace-collapsed non-blank lines, which still clusters byte-wise
//	identical replies. Patches with no effective change normalize to "",
//	and an empty key never wins a vote.
//
// Inputs:
//
//	patch - Candidate patch text, usually the output of repair's
//	        extraction.
//
// Outputs:
//
//	string - The normalization key. "" when the patch changes nothing.
func NormalizePatch(patch string) string {
	patch = strings.TrimSpace(patch)
	if patch == "" {
		return ""
	}

	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch + "\n")).ReadAllFiles()
	if err != nil || len(fds) == 0 {
		return canonicalText(patch)
	}

	var b strings.Builder
	for _, fd := range fds {
		lines := changedLines(fd)
		if len(lines) == 0 {
			continue
		}
		b.WriteString(fileName(fd))
		b.WriteByte('\n')
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// fileName identifies a file diff by its post-patch path, falling back
// to the pre-patch path for deletions.
func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// changedLines returns a file's added and removed lines with collapsed
// whitespace, in hunk order. Context and marker lines are skipped.
func changedLines(fd *diff.FileDiff) []string {
	var out []string
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case '+', '-':
				out = append(out, line[:1]+collapseSpace(line[1:]))
			}
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// canonicalText keys unparseable patch text by its whitespace-collapsed
// non-blank lines.
func canonicalText(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = collapseSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
