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
	"testing"

	"github.com/stretchr/testify/assert"
)

const stripPatch = `--- a/engine/loader.py
+++ b/engine/loader.py
@@ -1,3 +1,3 @@
 class Loader:
     def resolve(self, path):
-        return path
+        return path.strip()
`

// stripPatchShifted makes the same edit further down the file, with
// different context lines and hunk positions.
const stripPatchShifted = `--- a/engine/loader.py
+++ b/engine/loader.py
@@ -41,4 +41,4 @@
     # resolve normalizes user-supplied paths
     def resolve(self, path):
-        return path
+        return path.strip()
     def close(self):
`

// stripPatchReindented changes only the indentation of the same lines.
const stripPatchReindented = `--- a/engine/loader.py
+++ b/engine/loader.py
@@ -1,3 +1,3 @@
 class Loader:
     def resolve(self, path):
-            return path
+            return path.strip()
`

const otherPatch = `--- a/engine/parser.py
+++ b/engine/parser.py
@@ -1,2 +1,3 @@
 def parse_config(raw):
+    raw = raw.strip()
     return raw
`

func TestNormalizePatch(t *testing.T) {
	t.Run("position and context noise collapses", func(t *testing.T) {
		assert.Equal(t, NormalizePatch(stripPatch), NormalizePatch(stripPatchShifted))
	})

	t.Run("whitespace-only differences collapse", func(t *testing.T) {
		assert.Equal(t, NormalizePatch(stripPatch), NormalizePatch(stripPatchReindented))
	})

	t.Run("path prefixes stripped", func(t *testing.T) {
		key := NormalizePatch(stripPatch)
		assert.Equal(t, "engine/loader.py\n-return path\n+return path.strip()", key)
	})

	t.Run("different edits stay apart", func(t *testing.T) {
		assert.NotEqual(t, NormalizePatch(stripPatch), NormalizePatch(otherPatch))
	})

	t.Run("new file keyed by post-patch path", func(t *testing.T) {
		created := "--- /dev/null\n+++ b/engine/util.py\n@@ -0,0 +1,1 @@\n+def helper():\n"
		assert.Equal(t, "engine/util.py\n+def helper():", NormalizePatch(created))
	})

	t.Run("deleted file keyed by pre-patch path", func(t *testing.T) {
		deleted := "--- a/engine/legacy.py\n+++ /dev/null\n@@ -1,1 +0,0 @@\n-OLD = True\n"
		assert.Equal(t, "engine/legacy.py\n-OLD = True", NormalizePatch(deleted))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, NormalizePatch(""))
		assert.Empty(t, NormalizePatch("   \n\t\n"))
	})

	t.Run("unparseable text falls back to collapsed lines", func(t *testing.T) {
		a := "just   apply  the fix\n\nto loader.py\n"
		b := "just apply the fix\nto loader.py"
		assert.Equal(t, NormalizePatch(b), NormalizePatch(a))
		assert.NotEmpty(t, NormalizePatch(a))
	})
}
