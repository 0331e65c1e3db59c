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
	"fmt"
	"strings"

	"github.com/AleutianAI/drydock/services/drydock/dataset"
)

// Completion caps per prompt kind. File and folder lists are short;
// element and edit locations need room for multi-file answers.
const (
	maxTokensFiles    = 300
	maxTokensFolders  = 2048
	maxTokensElements = 800
	maxTokensEdits    = 1024
)

// maxRankedFiles caps how many files the file-level prompt asks for.
// Top-N truncation happens later, at the combine stage.
const maxRankedFiles = 5

const fileLocalizationTemplate = `Please look through the following GitHub issue and repository structure and decide which files would need to be edited to fix the issue.

### GitHub issue ###
%s

### Repository structure ###
%s

###

Return at most %d full file paths, one per line, ordered from most to least important, wrapped in a triple-backtick block.`

const folderFilterTemplate = `Please look through the following GitHub issue and repository structure and list the folders that are irrelevant to fixing the issue. A folder is irrelevant when nothing inside it would need to be modified or consulted for the fix. Do not list folders you are unsure about.

### GitHub issue ###
%s

### Repository structure ###
%s

###

Return the irrelevant folder paths, one per line, wrapped in a triple-backtick block.`

const relatedElementsTemplate = `Please look through the following GitHub issue and the skeletons of the most suspicious files, and identify the code elements related to the issue.

### GitHub issue ###
%s

### File skeletons ###
%s

###

For each relevant file, give the file path on its own line followed by one element per line in the form "class: Name", "function: name", or "method: Class.method". Separate files with a blank line and wrap the whole answer in a triple-backtick block.`

const editLocationsTemplate = `Please review the following GitHub issue, the related code elements, and the file contents, and provide the exact locations that need to be edited to fix the issue.

### GitHub issue ###
%s

### Related elements ###
%s

### File contents ###
%s

###

For each file that needs changes, give the file path on its own line followed by one location per line in the form "line: 42", "function: name", or "class: Name". Separate files with a blank line and wrap the whole answer in a triple-backtick block.`

// FileLocalizationPrompt builds the file-level localization prompt from
// the issue text and the rendered repository tree.
func FileLocalizationPrompt(issue, tree string) string {
	return fmt.Sprintf(fileLocalizationTemplate, strings.TrimSpace(issue), tree, maxRankedFiles)
}

// FolderFilterPrompt builds the irrelevant-folder prompt.
func FolderFilterPrompt(issue, tree string) string {
	return fmt.Sprintf(folderFilterTemplate, strings.TrimSpace(issue), tree)
}

// RelatedElementsPrompt builds the element-level prompt from the combined
// file list, rendering each file as its skeleton.
func RelatedElementsPrompt(issue string, files []string, structure *dataset.RepoStructure) string {
	var b strings.Builder
	for _, path := range files {
		entry, ok := structure.File(path)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(path)
		b.WriteString("\n")
		b.WriteString(entry.Skeleton())
	}
	return fmt.Sprintf(relatedElementsTemplate, strings.TrimSpace(issue), b.String())
}

// EditLocationsPrompt builds the fine-grained edit-location prompt from
// the related elements and the full content of their files.
func EditLocationsPrompt(issue string, related []FileLocations, structure *dataset.RepoStructure) string {
	var elems strings.Builder
	var contents strings.Builder
	for _, fl := range related {
		if !structure.HasFile(fl.File) {
			continue
		}
		if elems.Len() > 0 {
			elems.WriteString("\n")
		}
		elems.WriteString(fl.File)
		elems.WriteString("\n")
		for _, loc := range fl.Locations {
			elems.WriteString(loc)
			elems.WriteString("\n")
		}

		if contents.Len() > 0 {
			contents.WriteString("\n")
		}
		contents.WriteString(fl.File)
		contents.WriteString("\n")
		contents.WriteString(structure.Content(fl.File))
		contents.WriteString("\n")
	}
	return fmt.Sprintf(editLocationsTemplate, strings.TrimSpace(issue), elems.String(), contents.String())
}
