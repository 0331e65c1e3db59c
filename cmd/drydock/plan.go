// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/localize"
	"github.com/AleutianAI/drydock/services/drydock/pipeline"
	"github.com/AleutianAI/drydock/services/drydock/repair"
	"github.com/AleutianAI/drydock/services/drydock/rerank"
	"github.com/AleutianAI/drydock/services/drydock/retrieval"
	"github.com/AleutianAI/drydock/services/drydock/validation"
)

// buildPlan assembles every pipeline stage for the given configuration.
//
// Description:
//
//	The stage list is fixed except for its width: each of the L location
//	samples gets its own merge stage and repair leg, and the validation
//	and rerank stages read all L candidate artifacts. The builder orders
//	stages by their artifact dependencies, so the returned plan always
//	runs localization, then repair, then both validation tracks, then
//	rerank.
func buildPlan(cfg *pipeline.Config, client llm.Client, index retrieval.Index, harness validation.Harness) (*pipeline.Plan, error) {
	builder := pipeline.NewBuilder().
		AddStage(localize.NewFileLocalization(client)).
		AddStage(localize.NewFolderFilter(client)).
		AddStage(localize.NewEmbeddingRetrieval(index)).
		AddStage(localize.NewCombine()).
		AddStage(localize.NewRelatedElements(client)).
		AddStage(localize.NewLineSampling(client))

	for sample := 0; sample < cfg.LocSamples; sample++ {
		builder.
			AddStage(localize.NewMergeSample(sample)).
			AddStage(repair.NewStage(sample, client))
	}

	builder.
		AddStage(validation.NewRegressionBaseline(harness, cfg.LocSamples)).
		AddStage(validation.NewRegressionSelect(client)).
		AddStage(validation.NewRegressionRun(harness, cfg.LocSamples)).
		AddStage(validation.NewTestGeneration(client)).
		AddStage(validation.NewTestVerification(harness)).
		AddStage(validation.NewTestSelection()).
		AddStage(validation.NewReproductionRun(harness, cfg.LocSamples)).
		AddStage(rerank.NewStage(cfg.LocSamples, rerank.DefaultPolicy()))

	return builder.Build()
}
