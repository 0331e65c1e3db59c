// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package localize

import (
	"regexp"
	"strings"
)

var (
	// locationRe matches one location descriptor line, e.g. "line: 42".
	locationRe = regexp.MustCompile(`(?i)^(line|function|method|class)\s*:\s*(.+)$`)

	// bulletRe strips list markers models like to add despite instructions.
	bulletRe = regexp.MustCompile(`^(?:[-*]|\d+[.)])\s+`)
)

// fencedBlock returns the content of the first triple-backtick block in
// reply, or the whole reply when no fence is present. A language tag on
// the opening fence is dropped.
func fencedBlock(reply string) string {
	idx := strings.Index(reply, "```")
	if idx < 0 {
		return reply
	}
	rest := reply[idx+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return rest
	}
	rest = rest[nl+1:]
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

// cleanLine strips whitespace, list markers, and stray quoting from one
// reply line.
func cleanLine(line string) string {
	line = strings.TrimSpace(line)
	line = bulletRe.ReplaceAllString(line, "")
	line = strings.Trim(line, "`\"'")
	return strings.TrimSpace(line)
}

// cleanPath strips the trailing colon and any quoting it shielded from
// cleanLine, e.g. "`a/b.py`:".
func cleanPath(line string) string {
	line = strings.TrimSuffix(line, ":")
	return strings.TrimSpace(strings.Trim(line, "`\"'"))
}

// isPathLike reports whether line plausibly names a repository file. With
// a known predicate the structure is authoritative; without one a loose
// shape check is used.
func isPathLike(line string, known func(string) bool) bool {
	if line == "" || strings.ContainsAny(line, " \t") {
		return false
	}
	if known != nil {
		return known(line)
	}
	return strings.ContainsRune(line, '/') || strings.ContainsRune(line, '.')
}

// ParseFileList extracts ranked file paths from a model reply.
//
// Description:
//
//	Takes the first fenced block (or the whole reply), one path per line.
//	Lines that are not files of the repository are dropped, so the model
//	cannot steer later stages at paths that do not exist. Order is
//	preserved, duplicates keep their first position.
//
// Inputs:
//
//	reply - Raw model output.
//	known - Membership predicate over repository files. May be nil in
//	        tests; production callers pass the structure's file set.
func ParseFileList(reply string, known func(string) bool) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(fencedBlock(reply), "\n") {
		line := cleanPath(cleanLine(raw))
		if !isPathLike(line, known) {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

// ParseFolderList extracts folder paths from a model reply. Trailing
// slashes are trimmed so the filter matches the structure's folder
// naming.
func ParseFolderList(reply string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(fencedBlock(reply), "\n") {
		line := cleanLine(raw)
		line = strings.TrimSuffix(line, "/")
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}

// ParseLocations extracts per-file location descriptors from a model
// reply.
//
// Description:
//
//	The expected shape is a fenced block of file paths each followed by
//	descriptor lines ("line: 42", "function: name", "class: Name",
//	"method: Class.method"). Descriptors before any file line and prose
//	lines are ignored. Repeated file paths merge into the first group.
//	Descriptors normalize to a lowercase keyword so downstream
//	consumers never see "Line: 42" and "line: 42" as different.
func ParseLocations(reply string, known func(string) bool) []FileLocations {
	var out []FileLocations
	index := make(map[string]int)
	cur := -1

	for _, raw := range strings.Split(fencedBlock(reply), "\n") {
		line := cleanLine(raw)
		if line == "" {
			continue
		}

		if m := locationRe.FindStringSubmatch(line); m != nil {
			if cur < 0 {
				continue
			}
			loc := strings.ToLower(m[1]) + ": " + strings.TrimSpace(m[2])
			if !containsString(out[cur].Locations, loc) {
				out[cur].Locations = append(out[cur].Locations, loc)
			}
			continue
		}

		path := cleanPath(line)
		if !isPathLike(path, known) {
			continue
		}
		if i, ok := index[path]; ok {
			cur = i
			continue
		}
		index[path] = len(out)
		out = append(out, FileLocations{File: path})
		cur = len(out) - 1
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
