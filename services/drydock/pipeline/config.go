// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// configValidate is the validator instance for run configuration.
var configValidate = validator.New()

// Config is the explicit configuration record every stage receives.
//
// Description:
//
//	One Config is validated at startup and shared read-only across the
//	whole run. Stage behavior must depend only on this record and on the
//	artifacts, never on ambient state.
//
// Thread Safety: Safe for concurrent read access after validation.
type Config struct {
	// Dataset is the benchmark split identifier, e.g. "swe-bench-lite".
	Dataset string `yaml:"dataset" json:"dataset" validate:"required"`

	// DatasetFile overrides the conventional dataset path when set.
	DatasetFile string `yaml:"dataset_file,omitempty" json:"dataset_file,omitempty"`

	// Instance restricts every stage to one instance ID. Empty means all.
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`

	// ResultsRoot is the base directory all stage artifacts live under.
	ResultsRoot string `yaml:"results_root" json:"results_root" validate:"required"`

	// Threads is the instance-level worker count for ordinary stages.
	Threads int `yaml:"threads" json:"threads" validate:"gte=1"`

	// RepairThreads is the smaller worker count for the repair stage.
	// Repair requests are the heaviest inference calls; this bound is the
	// backpressure against the inference service.
	RepairThreads int `yaml:"repair_threads" json:"repair_threads" validate:"gte=1"`

	// ValidationWorkers bounds per-candidate test execution, separately
	// from inference concurrency.
	ValidationWorkers int `yaml:"validation_workers" json:"validation_workers" validate:"gte=1"`

	// TopN is the number of ranked files kept when combining localization
	// results.
	TopN int `yaml:"top_n" json:"top_n" validate:"gte=1"`

	// LocSamples is L, the number of sampled edit-location sets.
	LocSamples int `yaml:"loc_samples" json:"loc_samples" validate:"gte=1"`

	// RepairSamples is R, the number of patch candidates per location
	// sample. Candidate 0 is the greedy generation.
	RepairSamples int `yaml:"repair_samples" json:"repair_samples" validate:"gte=1"`

	// ReproductionSamples is the number of candidate reproduction tests
	// generated per instance.
	ReproductionSamples int `yaml:"reproduction_samples" json:"reproduction_samples" validate:"gte=1"`

	// PersistDir is the embedding-index cache location.
	PersistDir string `yaml:"persist_dir" json:"persist_dir"`

	// SkipExisting makes stages process only instances absent from their
	// output artifact. This is the sole resume mechanism.
	SkipExisting bool `yaml:"skip_existing" json:"skip_existing"`

	// Model is the inference model identifier.
	Model string `yaml:"model" json:"model" validate:"required"`

	// Temperature is the sampling temperature for non-greedy generations.
	Temperature float32 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`

	// InferenceCooldown is the minimum gap between inference requests,
	// shared process-wide.
	InferenceCooldown time.Duration `yaml:"inference_cooldown" json:"inference_cooldown" validate:"gte=0"`
}

// DefaultConfig returns a configuration with default values.
//
// Description:
//
//	Defaults match the standard evaluation setup: the Lite split, 10
//	stage workers, 2 repair workers, top 3 combined files, 4 location
//	samples, 10 repair samples, 40 reproduction samples, skip-existing
//	enabled.
//
// Outputs:
//   - *Config: Configuration with default values. Never nil.
func DefaultConfig() *Config {
	return &Config{
		Dataset:             "swe-bench-lite",
		ResultsRoot:         filepath.Join("results", "swe-bench-lite"),
		Threads:             10,
		RepairThreads:       2,
		ValidationWorkers:   4,
		TopN:                3,
		LocSamples:          4,
		RepairSamples:       10,
		ReproductionSamples: 40,
		PersistDir:          filepath.Join("embeddings", "persist"),
		SkipExisting:        true,
		Model:               "gpt-4o-2024-05-13",
		Temperature:         0.8,
		InferenceCooldown:   time.Second,
	}
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: Non-nil if any field fails validation, wrapping
//     ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
