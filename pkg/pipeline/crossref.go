// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"encoding/json"

	"github.com/kadirpekel/zonescribe/pkg/lore"
)

// CrossReferenceStep runs the LLM-assisted consistency check over the
// partial extractions and applies its confidence adjustments downward.
func CrossReferenceStep() Step {
	return Step{
		Name: "cross_reference",
		Kind: KindExtraction,
		Handler: func(ctx context.Context, sc *StepContext) error {
			extractions := make(map[string]any, len(lore.CategoryKeys))
			for _, key := range lore.CategoryKeys {
				if category, ok := sc.Checkpoint.PartialExtractions[key]; ok {
					extractions[key] = category
				}
			}

			extractionsJSON, err := json.MarshalIndent(extractions, "", "  ")
			if err != nil {
				return err
			}

			promptText, err := sc.Deps.Prompts.Render("cross_reference", map[string]string{
				"extractions": string(extractionsJSON),
			})
			if err != nil {
				return err
			}

			structured, err := runStructured(ctx, sc, "cross_reference", promptText, "extract_system", lore.CrossReferenceSchema)
			if err != nil {
				return err
			}

			applyAdjustments(sc, structured)
			sc.Checkpoint.PartialExtractions[lore.CategoryCrossReference] = structured

			return nil
		},
	}
}

// applyAdjustments lowers category confidences per the check's proposals.
// Adjustments only ever move confidence down; proposals above the current
// value are ignored.
func applyAdjustments(sc *StepContext, crossRef map[string]any) {
	adjustments, ok := crossRef["adjustments"].(map[string]any)
	if !ok {
		return
	}

	for category, proposedRaw := range adjustments {
		proposed, ok := proposedRaw.(float64)
		if !ok {
			continue
		}
		if proposed < 0 {
			proposed = 0
		}
		if proposed > 1 {
			proposed = 1
		}

		extraction, ok := sc.Checkpoint.PartialExtractions[category]
		if !ok {
			continue
		}
		current, ok := extraction["confidence"].(float64)
		if !ok || proposed < current {
			extraction["confidence"] = proposed
		}
	}
}
