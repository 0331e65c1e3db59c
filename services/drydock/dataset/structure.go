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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// EnvRepoStructures names the environment variable pointing at the
// preprocessed repo structure directory.
const EnvRepoStructures = "DRYDOCK_REPO_STRUCTURES"

// -----------------------------------------------------------------------------
// Structure model
// -----------------------------------------------------------------------------

// Element is one code element (class, function, or method) in a file.
type Element struct {
	Name      string    `json:"name"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Text      []string  `json:"text,omitempty"`
	Methods   []Element `json:"methods,omitempty"`
}

// Signature returns the element's first source line, or its name when the
// preprocessing step stripped the text.
func (e Element) Signature() string {
	for _, line := range e.Text {
		if strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, " \t")
		}
	}
	return e.Name
}

// FileEntry is the preprocessed view of one source file.
type FileEntry struct {
	Classes   []Element `json:"classes,omitempty"`
	Functions []Element `json:"functions,omitempty"`
	Text      []string  `json:"text,omitempty"`
}

// Content returns the full file text.
func (f FileEntry) Content() string {
	return strings.Join(f.Text, "\n")
}

// Skeleton returns a compressed view of the file: class and function
// signatures with method signatures indented beneath their class. Used in
// prompts where full file content would blow the context budget.
func (f FileEntry) Skeleton() string {
	var b strings.Builder
	for _, c := range f.Classes {
		b.WriteString(c.Signature())
		b.WriteString("\n")
		for _, m := range c.Methods {
			b.WriteString("    ")
			b.WriteString(strings.TrimSpace(m.Signature()))
			b.WriteString("\n")
		}
	}
	for _, fn := range f.Functions {
		b.WriteString(fn.Signature())
		b.WriteString("\n")
	}
	return b.String()
}

// RepoStructure is the preprocessed tree of one instance's repository
// snapshot: every source file with its element index and text.
//
// Thread Safety: Safe for concurrent read access after load.
type RepoStructure struct {
	InstanceID string
	Repo       string
	BaseCommit string

	files map[string]FileEntry
	dirs  []string
}

// rawStructure matches the on-disk JSON envelope.
type rawStructure struct {
	InstanceID string          `json:"instance_id"`
	Repo       string          `json:"repo"`
	BaseCommit string          `json:"base_commit"`
	Structure  json.RawMessage `json:"structure"`
}

// ParseStructure decodes a repo structure document.
//
// Description:
//
//	The structure field is a nested object: directories map to objects of
//	further entries, files map to objects whose values are arrays
//	(classes, functions, text). The walk flattens it into slash-separated
//	file paths relative to the repository root.
//
// Inputs:
//   - data: The structure JSON document.
//
// Outputs:
//   - *RepoStructure: The parsed structure.
//   - error: Non-nil on malformed JSON or a missing structure field.
func ParseStructure(data []byte) (*RepoStructure, error) {
	var raw rawStructure
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding structure document: %w", err)
	}
	if len(raw.Structure) == 0 {
		return nil, fmt.Errorf("decoding structure document: missing structure field")
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw.Structure, &root); err != nil {
		return nil, fmt.Errorf("decoding structure tree: %w", err)
	}

	rs := &RepoStructure{
		InstanceID: raw.InstanceID,
		Repo:       raw.Repo,
		BaseCommit: raw.BaseCommit,
		files:      make(map[string]FileEntry),
	}
	if err := rs.walk("", root); err != nil {
		return nil, err
	}
	sort.Strings(rs.dirs)
	return rs, nil
}

// walk flattens one directory level. A node is a file when any of its
// values is a JSON array; directories hold only nested objects.
func (rs *RepoStructure) walk(prefix string, node map[string]json.RawMessage) error {
	for name, raw := range node {
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}

		var child map[string]json.RawMessage
		if err := json.Unmarshal(raw, &child); err != nil {
			return fmt.Errorf("decoding structure node %s: %w", path, err)
		}

		if isFileNode(child) {
			var entry FileEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decoding file entry %s: %w", path, err)
			}
			rs.files[path] = entry
			continue
		}

		rs.dirs = append(rs.dirs, path)
		if err := rs.walk(path, child); err != nil {
			return err
		}
	}
	return nil
}

func isFileNode(node map[string]json.RawMessage) bool {
	for _, raw := range node {
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			return true
		}
	}
	return false
}

// Files returns all file paths, sorted.
func (rs *RepoStructure) Files() []string {
	out := make([]string, 0, len(rs.files))
	for path := range rs.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// File returns the entry for a file path.
func (rs *RepoStructure) File(path string) (FileEntry, bool) {
	entry, ok := rs.files[path]
	return entry, ok
}

// HasFile reports whether the structure contains a file at path.
func (rs *RepoStructure) HasFile(path string) bool {
	_, ok := rs.files[path]
	return ok
}

// Content returns the full text of a file, or "" when absent.
func (rs *RepoStructure) Content(path string) string {
	return rs.files[path].Content()
}

// TreeString renders the repository tree for prompts: directories carry a
// trailing slash, children indent two spaces per level, names sort
// alphabetically so the rendering is deterministic.
func (rs *RepoStructure) TreeString() string {
	type dirNode struct {
		dirs  map[string]*dirNode
		files []string
	}
	root := &dirNode{dirs: make(map[string]*dirNode)}

	for _, path := range rs.Files() {
		parts := strings.Split(path, "/")
		node := root
		for _, part := range parts[:len(parts)-1] {
			child, ok := node.dirs[part]
			if !ok {
				child = &dirNode{dirs: make(map[string]*dirNode)}
				node.dirs[part] = child
			}
			node = child
		}
		node.files = append(node.files, parts[len(parts)-1])
	}

	var b strings.Builder
	var render func(node *dirNode, depth int)
	render = func(node *dirNode, depth int) {
		indent := strings.Repeat("  ", depth)
		names := make([]string, 0, len(node.dirs))
		for name := range node.dirs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(indent)
			b.WriteString(name)
			b.WriteString("/\n")
			render(node.dirs[name], depth+1)
		}
		sort.Strings(node.files)
		for _, name := range node.files {
			b.WriteString(indent)
			b.WriteString(name)
			b.WriteString("\n")
		}
	}
	render(root, 0)
	return b.String()
}

// WithoutFolders returns a copy with every file under the named folders
// removed. Folder names match whole path segments from the root; a
// trailing slash on the input is ignored.
func (rs *RepoStructure) WithoutFolders(folders []string) *RepoStructure {
	excluded := make(map[string]bool, len(folders))
	for _, f := range folders {
		f = strings.Trim(strings.TrimSpace(f), "/")
		if f != "" {
			excluded[f] = true
		}
	}
	if len(excluded) == 0 {
		return rs
	}

	underExcluded := func(path string) bool {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			if excluded[strings.Join(parts[:i], "/")] {
				return true
			}
		}
		return false
	}

	out := &RepoStructure{
		InstanceID: rs.InstanceID,
		Repo:       rs.Repo,
		BaseCommit: rs.BaseCommit,
		files:      make(map[string]FileEntry),
	}
	for path, entry := range rs.files {
		if !underExcluded(path) {
			out.files[path] = entry
		}
	}
	for _, dir := range rs.dirs {
		if !excluded[dir] && !underExcluded(dir+"/x") {
			out.dirs = append(out.dirs, dir)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// StructureDir
// -----------------------------------------------------------------------------

// StructureDir loads per-instance repo structures from a directory.
//
// Structures parse once and cache; pipeline stages re-read the same
// instance's structure many times across a run.
//
// Thread Safety: Safe for concurrent use.
type StructureDir struct {
	path string

	mu    sync.Mutex
	cache map[string]*RepoStructure
}

// NewStructureDir validates and wraps a repo structure directory.
//
// Outputs:
//   - *StructureDir: The loader.
//   - error: ErrNoStructureDir if path is missing or not a directory.
func NewStructureDir(path string) (*StructureDir, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("checking %s: %w", path, ErrNoStructureDir)
	}
	return &StructureDir{
		path:  path,
		cache: make(map[string]*RepoStructure),
	}, nil
}

// Path returns the structure directory path.
func (sd *StructureDir) Path() string {
	return sd.path
}

// Load returns the structure for an instance, reading
// <dir>/<instance_id>.json on first use.
//
// Outputs:
//   - *RepoStructure: The parsed structure.
//   - error: ErrStructureNotFound when no file exists for the instance;
//     a parse error otherwise.
func (sd *StructureDir) Load(instanceID string) (*RepoStructure, error) {
	sd.mu.Lock()
	if rs, ok := sd.cache[instanceID]; ok {
		sd.mu.Unlock()
		return rs, nil
	}
	sd.mu.Unlock()

	path := filepath.Join(sd.path, instanceID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("loading structure for %s: %w", instanceID, ErrStructureNotFound)
		}
		return nil, fmt.Errorf("loading structure for %s: %w", instanceID, err)
	}

	rs, err := ParseStructure(data)
	if err != nil {
		return nil, fmt.Errorf("parsing structure for %s: %w", instanceID, err)
	}

	sd.mu.Lock()
	sd.cache[instanceID] = rs
	sd.mu.Unlock()
	return rs, nil
}
