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
	"fmt"
	"sort"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/lore"
)

// PackageAndSendStep assembles the final research package and publishes it
// on the outbound channel.
func PackageAndSendStep() Step {
	return Step{
		Name: "package_and_send",
		Kind: KindTransform,
		Handler: func(ctx context.Context, sc *StepContext) error {
			pkg, err := BuildPackage(sc.Job, sc.Checkpoint)
			if err != nil {
				return err
			}

			if err := sc.Deps.Publisher.PublishPackage(ctx, pkg); err != nil {
				// Package delivery matters, unlike status events: a failed
				// send pauses the job so the dispatcher can retry.
				return &StepError{
					Step: "package_and_send",
					Kind: KindTransientTransport,
					Err:  fmt.Errorf("package publish failed: %w", err),
				}
			}

			sc.SetPackage(pkg)
			return nil
		},
	}
}

// BuildPackage composes the package document from the checkpoint. Pure;
// also used to rebuild the package for already-completed jobs.
func BuildPackage(job *Job, cp *checkpoint.Checkpoint) (*lore.Package, error) {
	categories := make(map[string]any, len(lore.CategoryKeys))
	for _, key := range lore.CategoryKeys {
		if category, ok := cp.PartialExtractions[key]; ok {
			categories[key] = category
		}
	}

	extraction, err := lore.DecodeExtraction(categories)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %w", err)
	}

	var crossRef lore.CrossReference
	if raw, ok := cp.PartialExtractions[lore.CategoryCrossReference]; ok {
		if crossRef, err = lore.DecodeCrossReference(raw); err != nil {
			return nil, fmt.Errorf("failed to decode cross-reference: %w", err)
		}
	}

	return &lore.Package{
		JobID:          job.ID,
		Zone:           job.TargetEntity,
		GeneratedAt:    time.Now().UTC(),
		Extraction:     extraction,
		CrossReference: crossRef,
		SourcesByTier:  groupSourcesByTier(cp),
		ConfidenceByCategory: map[string]float64{
			lore.CategoryZone:     extraction.ZoneOverview.Confidence,
			lore.CategoryNPCs:     extraction.NPCs.Confidence,
			lore.CategoryFactions: extraction.Factions.Confidence,
			lore.CategoryLore:     extraction.Lore.Confidence,
			lore.CategoryItems:    extraction.Items.Confidence,
		},
		Errors: cp.Errors,
	}, nil
}

func groupSourcesByTier(cp *checkpoint.Checkpoint) map[string][]string {
	grouped := map[string][]string{}
	seen := map[string]bool{}

	for _, sources := range cp.AccumulatedSources {
		for _, s := range sources {
			if seen[s.URI] {
				continue
			}
			seen[s.URI] = true
			tier := string(s.Tier)
			if tier == "" {
				tier = string(checkpoint.TierTertiary)
			}
			grouped[tier] = append(grouped[tier], s.URI)
		}
	}

	for tier := range grouped {
		sort.Strings(grouped[tier])
	}
	return grouped
}
