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
	"errors"
	"fmt"

	"github.com/AleutianAI/drydock/services/drydock/artifact"
	"github.com/AleutianAI/drydock/services/drydock/dataset"
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/retrieval"
)

// lookupInstance resolves the instance and its repo structure. A missing
// structure file is an instance-level failure, not a stage failure.
func lookupInstance(rc *pipeline.RunContext, id string) (dataset.Instance, *dataset.RepoStructure, error) {
	inst, ok := rc.Dataset.Get(id)
	if !ok {
		return dataset.Instance{}, nil, fmt.Errorf("instance %s not in dataset", id)
	}
	structure, err := rc.Structures.Load(id)
	if err != nil {
		return dataset.Instance{}, nil, err
	}
	return inst, structure, nil
}

// decodeSet decodes one LocationSet record from a store snapshot.
func decodeSet(store *artifact.MemoryStore, id string) (LocationSet, bool) {
	rec, ok := store.Get(id)
	if !ok {
		return LocationSet{}, false
	}
	var set LocationSet
	if err := rec.Decode(&set); err != nil {
		return LocationSet{}, false
	}
	return set, true
}

// NewFileLocalization builds the file-level localization stage.
//
// Description:
//
//	For each instance, asks the model which files would need edits to fix
//	the issue, given the issue text and the rendered repository tree. The
//	reply is filtered against the structure's real file set, so the
//	recorded ranking only ever names files that exist.
func NewFileLocalization(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageFileLocalization, nil, FileLocsHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			return pipeline.RunPerInstance(ctx, rc, FileLocsHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					inst, structure, err := lookupInstance(rc, id)
					if err != nil {
						return nil, err
					}

					prompt := FileLocalizationPrompt(inst.ProblemStatement, structure.TreeString())
					reply, err := client.Generate(ctx, prompt, llm.GreedyParams(maxTokensFiles))
					if err != nil {
						return nil, err
					}

					return &LocationSet{Files: ParseFileList(reply, structure.HasFile)}, nil
				})
		})
}

// NewFolderFilter builds the irrelevant-folder filtering stage.
//
// The folder list narrows the structure view the retrieval stage indexes;
// the structure itself is never rewritten, so the filtered view stays
// recomputable from this record alone.
func NewFolderFilter(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageFolderFilter, []string{FileLocsHandle}, FolderFilterHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			return pipeline.RunPerInstance(ctx, rc, FolderFilterHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					inst, structure, err := lookupInstance(rc, id)
					if err != nil {
						return nil, err
					}

					prompt := FolderFilterPrompt(inst.ProblemStatement, structure.TreeString())
					reply, err := client.Generate(ctx, prompt, llm.GreedyParams(maxTokensFolders))
					if err != nil {
						return nil, err
					}

					return &LocationSet{Folders: ParseFolderList(reply)}, nil
				})
		})
}

// indexErr classifies a retrieval index error. An unreachable vector
// store fails every instance the same way, so it aborts the stage; any
// other error stays instance-level.
func indexErr(err error) error {
	if errors.Is(err, retrieval.ErrIndexUnavailable) || errors.Is(err, retrieval.ErrCircuitOpen) {
		return pipeline.Fatal(err)
	}
	return err
}

// NewEmbeddingRetrieval builds the retrieval stage.
//
// Description:
//
//	Recovers files the model-side localization may have missed: the
//	instance's files (minus the filtered folders) are indexed through the
//	retrieval boundary, then queried with the issue text. Results carry
//	their relevance scores so the ranking is auditable.
func NewEmbeddingRetrieval(index retrieval.Index) pipeline.Stage {
	return pipeline.NewStage(StageEmbeddingRetrieval, []string{FolderFilterHandle}, RetrievalHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			filters, err := artifact.LoadFile(rc.ArtifactPath(FolderFilterHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, RetrievalHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					inst, structure, err := lookupInstance(rc, id)
					if err != nil {
						return nil, err
					}

					view := structure
					if set, ok := decodeSet(filters, id); ok && len(set.Folders) > 0 {
						view = structure.WithoutFolders(set.Folders)
					}

					files := view.Files()
					docs := make(map[string]string, len(files))
					for _, path := range files {
						docs[path] = view.Content(path)
					}
					if err := index.EnsureIndexed(ctx, id, docs); err != nil {
						return nil, indexErr(err)
					}

					results, err := index.Query(ctx, id, inst.ProblemStatement, rc.Config.TopN)
					if err != nil {
						return nil, indexErr(err)
					}

					set := &LocationSet{
						Files:  make([]string, 0, len(results)),
						Scores: make([]float64, 0, len(results)),
					}
					for _, r := range results {
						set.Files = append(set.Files, r.Path)
						set.Scores = append(set.Scores, r.Score)
					}
					return set, nil
				})
		})
}

// NewCombine builds the stage that merges model and retrieval rankings
// into the final top-N file list.
func NewCombine() pipeline.Stage {
	return pipeline.NewStage(StageCombine, []string{FileLocsHandle, RetrievalHandle}, CombinedHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			model, err := artifact.LoadFile(rc.ArtifactPath(FileLocsHandle), rc.Logger)
			if err != nil {
				return err
			}
			retrieved, err := artifact.LoadFile(rc.ArtifactPath(RetrievalHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, CombinedHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					modelSet, ok := decodeSet(model, id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					retrievedSet, _ := decodeSet(retrieved, id)

					merged := mergeRanked(modelSet.Files, retrievedSet.Files, rc.Config.TopN)
					return &LocationSet{Files: merged}, nil
				})
		})
}

// mergeRanked interleaves two rankings model-first, deduplicates, and
// truncates to topN.
func mergeRanked(model, retrieved []string, topN int) []string {
	seen := make(map[string]struct{}, len(model)+len(retrieved))
	out := make([]string, 0, topN)

	add := func(path string) {
		if len(out) >= topN || path == "" {
			return
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for i := 0; i < len(model) || i < len(retrieved); i++ {
		if i < len(model) {
			add(model[i])
		}
		if i < len(retrieved) {
			add(retrieved[i])
		}
	}
	return out
}

// NewRelatedElements builds the element-level localization stage.
//
// Working from file skeletons keeps the prompt inside the context budget
// while still exposing every class and function signature.
func NewRelatedElements(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageRelatedElements, []string{CombinedHandle}, RelatedHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			combined, err := artifact.LoadFile(rc.ArtifactPath(CombinedHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, RelatedHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					set, ok := decodeSet(combined, id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					if len(set.Files) == 0 {
						return &LocationSet{}, nil
					}

					inst, structure, err := lookupInstance(rc, id)
					if err != nil {
						return nil, err
					}

					prompt := RelatedElementsPrompt(inst.ProblemStatement, set.Files, structure)
					reply, err := client.Generate(ctx, prompt, llm.GreedyParams(maxTokensElements))
					if err != nil {
						return nil, err
					}

					return &LocationSet{Locations: ParseLocations(reply, structure.HasFile)}, nil
				})
		})
}

// NewLineSampling builds the fine-grained edit-location sampling stage.
//
// Description:
//
//	Produces L independently sampled edit-location sets per instance in a
//	single batched call at the configured temperature. All L sets are
//	stochastic; the greedy/sampled distinction belongs to the repair
//	stage, not here. Sample indices are dense in [0, L) and match
//	generation order.
func NewLineSampling(client llm.Client) pipeline.Stage {
	return pipeline.NewStage(StageLineSampling, []string{RelatedHandle}, SamplesHandle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			related, err := artifact.LoadFile(rc.ArtifactPath(RelatedHandle), rc.Logger)
			if err != nil {
				return err
			}

			locSamples := rc.Config.LocSamples
			return pipeline.RunPerInstance(ctx, rc, SamplesHandle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					set, ok := decodeSet(related, id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}

					payload := &SampledLocations{Samples: make([]LocationSet, locSamples)}
					for i := range payload.Samples {
						payload.Samples[i].SampleIndex = i
					}

					// Nothing to localize against; record L empty sets so
					// the fan-out stays dense.
					if len(set.Locations) == 0 {
						return payload, nil
					}

					inst, structure, err := lookupInstance(rc, id)
					if err != nil {
						return nil, err
					}

					prompt := EditLocationsPrompt(inst.ProblemStatement, set.Locations, structure)
					params := llm.SampledParams(rc.Config.Temperature, maxTokensEdits)
					replies, err := client.GenerateBatch(ctx, prompt, locSamples, params)
					if err != nil {
						return nil, err
					}
					if len(replies) < locSamples {
						return nil, fmt.Errorf("sampling returned %d sets, want %d", len(replies), locSamples)
					}

					for i := 0; i < locSamples; i++ {
						payload.Samples[i].Locations = ParseLocations(replies[i], structure.HasFile)
					}
					return payload, nil
				})
		})
}

// NewMergeSample builds the merge stage for one location-sample index:
// it extracts that sample from the batched sampling artifact into its own
// standalone artifact, which the matching repair fan-out leg consumes.
func NewMergeSample(sample int) pipeline.Stage {
	handle := SampleHandle(sample)
	return pipeline.NewStage(MergeStageName(sample), []string{SamplesHandle}, handle,
		func(ctx context.Context, rc *pipeline.RunContext) error {
			sampled, err := artifact.LoadFile(rc.ArtifactPath(SamplesHandle), rc.Logger)
			if err != nil {
				return err
			}

			return pipeline.RunPerInstance(ctx, rc, handle, rc.Config.Threads,
				func(ctx context.Context, id string) (any, error) {
					rec, ok := sampled.Get(id)
					if !ok {
						return nil, pipeline.ErrSkipInstance
					}
					var all SampledLocations
					if err := rec.Decode(&all); err != nil {
						return nil, err
					}
					set, ok := all.Sample(sample)
					if !ok {
						return nil, fmt.Errorf("sample %d missing for instance %s", sample, id)
					}
					return &set, nil
				})
		})
}
