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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/retrieval"
)

const testStructure = `{
  "instance_id": "%s",
  "repo": "demo/engine",
  "base_commit": "abc123",
  "structure": {
    "engine": {
      "loader.py": {
        "classes": [
          {
            "name": "Loader",
            "start_line": 1,
            "end_line": 12,
            "text": ["class Loader:"],
            "methods": [
              {"name": "resolve", "start_line": 3, "end_line": 8, "text": ["    def resolve(self, path):"]}
            ]
          }
        ],
        "functions": [],
        "text": ["class Loader:", "    def resolve(self, path):", "        return path"]
      },
      "parser.py": {
        "classes": [],
        "functions": [
          {"name": "parse_config", "start_line": 1, "end_line": 9, "text": ["def parse_config(raw):"]}
        ],
        "text": ["def parse_config(raw):", "    return raw"]
      }
    },
    "docs": {
      "guide.rst": {"classes": [], "functions": [], "text": ["guide"]}
    }
  }
}`

const testIssue = "Loader.resolve drops the path suffix when parsing config"

func newRunContext(t *testing.T, ids ...string) *pipeline.RunContext {
	t.Helper()

	structDir := t.TempDir()
	instances := make([]dataset.Instance, 0, len(ids))
	for _, id := range ids {
		path := filepath.Join(structDir, id+".json")
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testStructure, id)), 0o644))
		instances = append(instances, dataset.Instance{
			InstanceID:       id,
			Repo:             "demo/engine",
			ProblemStatement: testIssue,
		})
	}

	structures, err := dataset.NewStructureDir(structDir)
	require.NoError(t, err)

	cfg := pipeline.DefaultConfig()
	cfg.ResultsRoot = t.TempDir()
	cfg.Threads = 2
	cfg.TopN = 2
	cfg.LocSamples = 2
	require.NoError(t, cfg.Validate())

	return &pipeline.RunContext{
		Config:     cfg,
		Dataset:    dataset.New("lite", instances),
		Structures: structures,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// writeArtifact seeds an upstream artifact the stage under test consumes.
func writeArtifact(t *testing.T, rc *pipeline.RunContext, handle string, payloads map[string]any) {
	t.Helper()

	store, err := rc.OpenArtifact(handle)
	require.NoError(t, err)
	for _, id := range rc.Dataset.IDs() {
		payload, ok := payloads[id]
		if !ok {
			continue
		}
		rec, err := artifact.NewRecord(id, payload)
		require.NoError(t, err)
		require.NoError(t, store.Append(rec))
	}
	require.NoError(t, store.Close())
}

func readSet(t *testing.T, rc *pipeline.RunContext, handle, id string) LocationSet {
	t.Helper()

	store, err := artifact.LoadFile(rc.ArtifactPath(handle), rc.Logger)
	require.NoError(t, err)
	rec, ok := store.Get(id)
	require.True(t, ok, "no record for %s in %s", id, handle)

	var set LocationSet
	require.NoError(t, rec.Decode(&set))
	return set
}

func TestStageWiring(t *testing.T) {
	client := &llm.MockClient{}
	index := retrieval.NewStubIndex()

	tests := []struct {
		stage  pipeline.Stage
		name   string
		inputs []string
		output string
	}{
		{NewFileLocalization(client), StageFileLocalization, nil, FileLocsHandle},
		{NewFolderFilter(client), StageFolderFilter, []string{FileLocsHandle}, FolderFilterHandle},
		{NewEmbeddingRetrieval(index), StageEmbeddingRetrieval, []string{FolderFilterHandle}, RetrievalHandle},
		{NewCombine(), StageCombine, []string{FileLocsHandle, RetrievalHandle}, CombinedHandle},
		{NewRelatedElements(client), StageRelatedElements, []string{CombinedHandle}, RelatedHandle},
		{NewLineSampling(client), StageLineSampling, []string{RelatedHandle}, SamplesHandle},
		{NewMergeSample(1), "merge_samples_1", []string{SamplesHandle}, SampleHandle(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.stage.Name())
			assert.Equal(t, tt.inputs, tt.stage.Inputs())
			assert.Equal(t, tt.output, tt.stage.Output())
		})
	}
}

func TestFileLocalizationStage(t *testing.T) {
	rc := newRunContext(t, "inst_a")
	client := &llm.MockClient{
		Replies: []string{"```\nengine/loader.py\nengine/missing.py\nengine/parser.py\n```"},
	}

	require.NoError(t, NewFileLocalization(client).Run(context.Background(), rc))

	set := readSet(t, rc, FileLocsHandle, "inst_a")
	assert.Equal(t, []string{"engine/loader.py", "engine/parser.py"}, set.Files)

	require.Equal(t, 1, client.CallCount())
	call := client.Calls[0]
	assert.Contains(t, call.Prompt, testIssue)
	assert.Contains(t, call.Prompt, "loader.py")
	require.NotNil(t, call.Params.Temperature)
	assert.Equal(t, float32(0), *call.Params.Temperature)
}

func TestFileLocalizationStage_ModelErrorLeavesGap(t *testing.T) {
	rc := newRunContext(t, "inst_a", "inst_b")
	client := &llm.MockClient{
		ReplyFunc: func(prompt string, n int) ([]string, error) {
			return nil, fmt.Errorf("rate limited")
		},
	}

	// Per-instance inference failures do not fail the stage; the
	// instances simply end it without a record.
	require.NoError(t, NewFileLocalization(client).Run(context.Background(), rc))

	store, err := artifact.LoadFile(rc.ArtifactPath(FileLocsHandle), rc.Logger)
	require.NoError(t, err)
	assert.Zero(t, store.Count())
}

func TestFolderFilterStage(t *testing.T) {
	rc := newRunContext(t, "inst_a")
	client := &llm.MockClient{Replies: []string{"```\ndocs/\nbuild\n```"}}

	require.NoError(t, NewFolderFilter(client).Run(context.Background(), rc))

	set := readSet(t, rc, FolderFilterHandle, "inst_a")
	assert.Equal(t, []string{"docs", "build"}, set.Folders)
}

func TestEmbeddingRetrievalStage(t *testing.T) {
	rc := newRunContext(t, "inst_a")
	writeArtifact(t, rc, FolderFilterHandle, map[string]any{
		"inst_a": LocationSet{Folders: []string{"docs"}},
	})

	require.NoError(t, NewEmbeddingRetrieval(retrieval.NewStubIndex()).Run(context.Background(), rc))

	set := readSet(t, rc, RetrievalHandle, "inst_a")
	require.NotEmpty(t, set.Files)
	assert.Equal(t, "engine/loader.py", set.Files[0])
	assert.NotContains(t, set.Files, "docs/guide.rst")
	assert.Len(t, set.Scores, len(set.Files))
	assert.LessOrEqual(t, len(set.Files), rc.Config.TopN)
}

func TestCombineStage(t *testing.T) {
	rc := newRunContext(t, "inst_a", "inst_b", "inst_c")
	writeArtifact(t, rc, FileLocsHandle, map[string]any{
		"inst_a": LocationSet{Files: []string{"engine/loader.py", "engine/parser.py"}},
		"inst_b": LocationSet{Files: []string{"engine/parser.py"}},
	})
	writeArtifact(t, rc, RetrievalHandle, map[string]any{
		"inst_a": LocationSet{Files: []string{"docs/guide.rst", "engine/loader.py"}},
	})

	require.NoError(t, NewCombine().Run(context.Background(), rc))

	t.Run("model first interleave truncated to top-N", func(t *testing.T) {
		set := readSet(t, rc, CombinedHandle, "inst_a")
		assert.Equal(t, []string{"engine/loader.py", "docs/guide.rst"}, set.Files)
	})

	t.Run("missing retrieval record is model-only", func(t *testing.T) {
		set := readSet(t, rc, CombinedHandle, "inst_b")
		assert.Equal(t, []string{"engine/parser.py"}, set.Files)
	})

	t.Run("missing model record leaves no combined record", func(t *testing.T) {
		store, err := artifact.LoadFile(rc.ArtifactPath(CombinedHandle), rc.Logger)
		require.NoError(t, err)
		assert.False(t, store.Has("inst_c"))
		assert.Equal(t, 2, store.Count())
	})
}

func TestRelatedElementsStage(t *testing.T) {
	rc := newRunContext(t, "inst_a", "inst_b")
	writeArtifact(t, rc, CombinedHandle, map[string]any{
		"inst_a": LocationSet{Files: []string{"engine/loader.py"}},
		"inst_b": LocationSet{},
	})
	client := &llm.MockClient{
		Replies: []string{"```\nengine/loader.py\nclass: Loader\nmethod: Loader.resolve\n```"},
	}

	require.NoError(t, NewRelatedElements(client).Run(context.Background(), rc))

	t.Run("locations recorded per file", func(t *testing.T) {
		set := readSet(t, rc, RelatedHandle, "inst_a")
		require.Len(t, set.Locations, 1)
		assert.Equal(t, "engine/loader.py", set.Locations[0].File)
		assert.Equal(t, []string{"class: Loader", "method: Loader.resolve"}, set.Locations[0].Locations)
	})

	t.Run("prompt shows the skeleton, not the full file", func(t *testing.T) {
		require.Equal(t, 1, client.CallCount())
		assert.Contains(t, client.Calls[0].Prompt, "class Loader:")
		assert.Contains(t, client.Calls[0].Prompt, "def resolve(self, path):")
		assert.NotContains(t, client.Calls[0].Prompt, "return path")
	})

	t.Run("empty combined list records empty without a model call", func(t *testing.T) {
		set := readSet(t, rc, RelatedHandle, "inst_b")
		assert.Empty(t, set.Locations)
		assert.Equal(t, 1, client.CallCount())
	})
}

func TestLineSamplingStage(t *testing.T) {
	rc := newRunContext(t, "inst_a", "inst_b")
	writeArtifact(t, rc, RelatedHandle, map[string]any{
		"inst_a": LocationSet{Locations: []FileLocations{
			{File: "engine/loader.py", Locations: []string{"method: Loader.resolve"}},
		}},
		"inst_b": LocationSet{},
	})
	client := &llm.MockClient{
		Replies: []string{
			"```\nengine/loader.py\nline: 3\n```",
			"```\nengine/loader.py\nfunction: resolve\n```",
		},
	}

	require.NoError(t, NewLineSampling(client).Run(context.Background(), rc))

	store, err := artifact.LoadFile(rc.ArtifactPath(SamplesHandle), rc.Logger)
	require.NoError(t, err)

	t.Run("dense stochastic samples in generation order", func(t *testing.T) {
		rec, ok := store.Get("inst_a")
		require.True(t, ok)
		var all SampledLocations
		require.NoError(t, rec.Decode(&all))
		require.Len(t, all.Samples, 2)

		assert.Equal(t, 0, all.Samples[0].SampleIndex)
		require.Len(t, all.Samples[0].Locations, 1)
		assert.Equal(t, []string{"line: 3"}, all.Samples[0].Locations[0].Locations)

		assert.Equal(t, 1, all.Samples[1].SampleIndex)
		require.Len(t, all.Samples[1].Locations, 1)
		assert.Equal(t, []string{"function: resolve"}, all.Samples[1].Locations[0].Locations)
	})

	t.Run("one batched call at the configured temperature", func(t *testing.T) {
		require.Equal(t, 1, client.CallCount())
		call := client.Calls[0]
		assert.Equal(t, 2, call.N)
		require.NotNil(t, call.Params.Temperature)
		assert.Equal(t, rc.Config.Temperature, *call.Params.Temperature)
		assert.Contains(t, call.Prompt, "return path")
	})

	t.Run("no related locations records empty dense samples", func(t *testing.T) {
		rec, ok := store.Get("inst_b")
		require.True(t, ok)
		var all SampledLocations
		require.NoError(t, rec.Decode(&all))
		require.Len(t, all.Samples, 2)
		assert.Empty(t, all.Samples[0].Locations)
		assert.Empty(t, all.Samples[1].Locations)
	})
}

func TestMergeSampleStage(t *testing.T) {
	rc := newRunContext(t, "inst_a")
	writeArtifact(t, rc, SamplesHandle, map[string]any{
		"inst_a": SampledLocations{Samples: []LocationSet{
			{SampleIndex: 0, Locations: []FileLocations{{File: "engine/loader.py", Locations: []string{"line: 3"}}}},
			{SampleIndex: 1, Locations: []FileLocations{{File: "engine/loader.py", Locations: []string{"function: resolve"}}}},
		}},
	})

	require.NoError(t, NewMergeSample(1).Run(context.Background(), rc))

	set := readSet(t, rc, SampleHandle(1), "inst_a")
	assert.Equal(t, 1, set.SampleIndex)
	require.Len(t, set.Locations, 1)
	assert.Equal(t, []string{"function: resolve"}, set.Locations[0].Locations)
}

func TestMergeSampleStage_OutOfRangeSampleLeavesGap(t *testing.T) {
	rc := newRunContext(t, "inst_a")
	writeArtifact(t, rc, SamplesHandle, map[string]any{
		"inst_a": SampledLocations{Samples: []LocationSet{{SampleIndex: 0}}},
	})

	require.NoError(t, NewMergeSample(3).Run(context.Background(), rc))

	store, err := artifact.LoadFile(rc.ArtifactPath(SampleHandle(3)), rc.Logger)
	require.NoError(t, err)
	assert.Zero(t, store.Count())
}

func TestLocalizationChain(t *testing.T) {
	// Drive the whole chain through the executor with scripted replies,
	// ending with one standalone artifact per location sample.
	rc := newRunContext(t, "inst_a")
	client := &llm.MockClient{
		ReplyFunc: func(prompt string, n int) ([]string, error) {
			var reply string
			switch {
			case n == 2:
				return []string{
					"```\nengine/loader.py\nline: 3\n```",
					"```\nengine/loader.py\nfunction: resolve\n```",
				}, nil
			case strings.Contains(prompt, "irrelevant"):
				reply = "```\ndocs/\n```"
			case strings.Contains(prompt, "skeletons"):
				reply = "```\nengine/loader.py\nmethod: Loader.resolve\n```"
			default:
				reply = "```\nengine/loader.py\n```"
			}
			return []string{reply}, nil
		},
	}

	builder := pipeline.NewBuilder().
		AddStage(NewFileLocalization(client)).
		AddStage(NewFolderFilter(client)).
		AddStage(NewEmbeddingRetrieval(retrieval.NewStubIndex())).
		AddStage(NewCombine()).
		AddStage(NewRelatedElements(client)).
		AddStage(NewLineSampling(client))
	for i := 0; i < rc.Config.LocSamples; i++ {
		builder.AddStage(NewMergeSample(i))
	}
	plan, err := builder.Build()
	require.NoError(t, err)

	report, err := pipeline.NewExecutor(rc.Logger).Run(context.Background(), plan, rc)
	require.NoError(t, err)
	require.True(t, report.Success)

	for i := 0; i < rc.Config.LocSamples; i++ {
		set := readSet(t, rc, SampleHandle(i), "inst_a")
		require.Len(t, set.Locations, 1, "sample %d", i)
		assert.Equal(t, "engine/loader.py", set.Locations[0].File)
	}
}
