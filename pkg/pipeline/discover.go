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
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/zonescribe/pkg/bus"
	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/lore"
)

// DiscoverConnectedZonesStep identifies zones connected to the target and
// enqueues a follow-on job for each. Guard-gated on traversal depth; child
// jobs receive fresh default budgets rather than sharing the parent's.
func DiscoverConnectedZonesStep() Step {
	return Step{
		Name: "discover_connected_zones",
		Kind: KindExtraction,
		Guard: func(job *Job, cp *checkpoint.Checkpoint) bool {
			return job.Depth > 0
		},
		Handler: func(ctx context.Context, sc *StepContext) error {
			var notes strings.Builder
			for topic, summary := range sc.Checkpoint.Summaries {
				notes.WriteString("## ")
				notes.WriteString(topic)
				notes.WriteString("\n")
				notes.WriteString(summary)
				notes.WriteString("\n\n")
			}

			promptText, err := sc.Deps.Prompts.Render("discover_zones", map[string]string{
				"zone":    sc.Job.TargetEntity,
				"content": notes.String(),
			})
			if err != nil {
				return err
			}

			structured, err := runStructured(ctx, sc, "discover_connected_zones", promptText, "extract_system", lore.ZoneDiscoverySchema)
			if err != nil {
				return err
			}

			zones, _ := structured["zones"].([]any)
			enqueued := 0
			for _, zoneRaw := range zones {
				zone, ok := zoneRaw.(string)
				if !ok || strings.TrimSpace(zone) == "" || strings.EqualFold(zone, sc.Job.TargetEntity) {
					continue
				}

				child := bus.JobRequest{
					JobID:        uuid.NewString(),
					TargetEntity: zone,
					Depth:        sc.Job.Depth - 1,
					BudgetTokens: sc.Deps.Config.DefaultBudgetTokens,
				}
				if err := sc.Deps.Publisher.EnqueueJob(ctx, child); err != nil {
					// Enqueue is best-effort like the rest of the bus.
					slog.Warn("Failed to enqueue child job",
						"parent", sc.Job.ID, "zone", zone, "error", err)
					continue
				}
				enqueued++
			}

			slog.Info("Discovered connected zones",
				"job_id", sc.Job.ID,
				"found", len(zones),
				"enqueued", enqueued)

			return nil
		},
	}
}
