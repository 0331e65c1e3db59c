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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStructure = `{
  "instance_id": "astropy__astropy-12907",
  "repo": "astropy/astropy",
  "base_commit": "d16bfe05a744909de4b27f5875fe0d4ed41ce607",
  "structure": {
    "astropy": {
      "modeling": {
        "separable.py": {
          "classes": [
            {
              "name": "Model",
              "start_line": 10,
              "end_line": 40,
              "text": ["class Model:"],
              "methods": [
                {"name": "separable", "start_line": 12, "end_line": 20, "text": ["    def separable(self):"]}
              ]
            }
          ],
          "functions": [
            {"name": "_cstack", "start_line": 50, "end_line": 70, "text": ["def _cstack(left, right):"]}
          ],
          "text": ["class Model:", "    def separable(self):", "        pass", "def _cstack(left, right):", "    pass"]
        }
      },
      "utils.py": {
        "classes": [],
        "functions": [],
        "text": ["# helpers"]
      }
    },
    "docs": {
      "index.rst": {
        "classes": [],
        "functions": [],
        "text": ["Docs"]
      }
    }
  }
}`

func TestParseStructure(t *testing.T) {
	rs, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)

	assert.Equal(t, "astropy__astropy-12907", rs.InstanceID)
	assert.Equal(t, "astropy/astropy", rs.Repo)

	t.Run("flattens file paths", func(t *testing.T) {
		assert.Equal(t, []string{
			"astropy/modeling/separable.py",
			"astropy/utils.py",
			"docs/index.rst",
		}, rs.Files())
	})

	t.Run("file entries keep elements", func(t *testing.T) {
		entry, ok := rs.File("astropy/modeling/separable.py")
		require.True(t, ok)
		require.Len(t, entry.Classes, 1)
		assert.Equal(t, "Model", entry.Classes[0].Name)
		require.Len(t, entry.Classes[0].Methods, 1)
		assert.Equal(t, "def _cstack(left, right):", entry.Functions[0].Signature())
	})

	t.Run("content joins text lines", func(t *testing.T) {
		assert.Equal(t, "# helpers", rs.Content("astropy/utils.py"))
		assert.Equal(t, "", rs.Content("missing.py"))
	})

	t.Run("skeleton compresses to signatures", func(t *testing.T) {
		entry, _ := rs.File("astropy/modeling/separable.py")
		want := "class Model:\n    def separable(self):\ndef _cstack(left, right):\n"
		assert.Equal(t, want, entry.Skeleton())
	})

	t.Run("tree renders deterministically", func(t *testing.T) {
		want := "astropy/\n" +
			"  modeling/\n" +
			"    separable.py\n" +
			"  utils.py\n" +
			"docs/\n" +
			"  index.rst\n"
		assert.Equal(t, want, rs.TreeString())
		assert.Equal(t, want, rs.TreeString())
	})

	t.Run("rejects non JSON", func(t *testing.T) {
		_, err := ParseStructure([]byte("not json"))
		assert.Error(t, err)
	})

	t.Run("rejects missing structure field", func(t *testing.T) {
		_, err := ParseStructure([]byte(`{"instance_id":"x"}`))
		assert.Error(t, err)
	})
}

func TestWithoutFolders(t *testing.T) {
	rs, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)

	t.Run("removes nested folder", func(t *testing.T) {
		got := rs.WithoutFolders([]string{"astropy/modeling/", "docs"})
		assert.Equal(t, []string{"astropy/utils.py"}, got.Files())
	})

	t.Run("empty filter is a passthrough", func(t *testing.T) {
		got := rs.WithoutFolders([]string{"", "  "})
		assert.Equal(t, rs.Files(), got.Files())
	})

	t.Run("original is untouched", func(t *testing.T) {
		_ = rs.WithoutFolders([]string{"astropy"})
		assert.Len(t, rs.Files(), 3)
	})
}

func TestStructureDir(t *testing.T) {
	t.Run("missing directory is fatal", func(t *testing.T) {
		_, err := NewStructureDir(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, ErrNoStructureDir)
	})

	t.Run("file path is not a directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0640))
		_, err := NewStructureDir(path)
		assert.ErrorIs(t, err, ErrNoStructureDir)
	})

	t.Run("loads and caches structures", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "astropy__astropy-12907.json")
		require.NoError(t, os.WriteFile(path, []byte(sampleStructure), 0640))

		sd, err := NewStructureDir(dir)
		require.NoError(t, err)

		rs, err := sd.Load("astropy__astropy-12907")
		require.NoError(t, err)
		assert.Equal(t, "astropy/astropy", rs.Repo)

		// Second load must come from cache, not the (now removed) file.
		require.NoError(t, os.Remove(path))
		again, err := sd.Load("astropy__astropy-12907")
		require.NoError(t, err)
		assert.Same(t, rs, again)
	})

	t.Run("missing instance file", func(t *testing.T) {
		sd, err := NewStructureDir(t.TempDir())
		require.NoError(t, err)
		_, err = sd.Load("django__django-11001")
		assert.ErrorIs(t, err, ErrStructureNotFound)
	})
}
