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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/drydock/services/drydock/llm"
	"github.com/AleutianAI/drydock/services/drydock/retrieval"
	"github.com/AleutianAI/drydock/services/drydock/validation"
)

// runStages prints the resolved stage order.
//
// Stage constructors only capture their collaborators, so the plan is
// assembled with inert stand-ins and nothing dials out.
func runStages(cmd *cobra.Command, args []string) {
	cfg, err := assembleConfig(cmd)
	if err != nil {
		fatalf("%v", err)
	}

	plan, err := buildPlan(cfg, &llm.MockClient{}, retrieval.NewStubIndex(), &validation.MockHarness{})
	if err != nil {
		fatalf("assemble pipeline: %v", err)
	}

	for _, name := range plan.Order() {
		fmt.Println(name)
	}
}
