// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// PatchStats summarizes a candidate's diff.
type PatchStats struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// ExtractPatch pulls a unified diff out of a model reply.
//
// Description:
//
//	Fenced blocks are tried in order, then the bare reply; the first text
//	that parses as a non-empty multi-file unified diff wins. Replies with
//	no parseable diff yield "", which the caller records as an empty
//	candidate so the repair-sample indices stay dense.
func ExtractPatch(reply string) string {
	for _, block := range fencedBlocks(reply) {
		if patch, ok := normalizePatch(block); ok {
			return patch
		}
	}
	if patch, ok := normalizePatch(reply); ok {
		return patch
	}
	return ""
}

// normalizePatch trims the text, guarantees the trailing newline diff
// parsers expect, and accepts only text go-diff can read.
func normalizePatch(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	text += "\n"

	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
	if err != nil || len(fds) == 0 {
		return "", false
	}
	return text, true
}

// Stats counts the files and changed lines of a unified diff. Returns the
// zero value for unparseable or empty patches.
func Stats(patch string) PatchStats {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return PatchStats{}
	}

	stats := PatchStats{Files: len(fds)}
	for _, fd := range fds {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					stats.Added++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					stats.Removed++
				}
			}
		}
	}
	return stats
}

// fencedBlocks returns the contents of every triple-backtick block in
// reply, in order. Language tags are dropped; an unclosed final block
// runs to the end of the reply.
func fencedBlocks(reply string) []string {
	var blocks []string
	rest := reply
	for {
		idx := strings.Index(rest, "```")
		if idx < 0 {
			break
		}
		rest = rest[idx+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			break
		}
		rest = rest[nl+1:]

		end := strings.Index(rest, "```")
		if end < 0 {
			blocks = append(blocks, rest)
			break
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
	return blocks
}
