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
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/zonescribe/pkg/lore"
	"github.com/kadirpekel/zonescribe/pkg/runtime"
	"github.com/kadirpekel/zonescribe/pkg/schema"
)

// ExtractAllStep issues the single schema-guided extraction call over all
// accumulated content, routing oversized content through the summarizer
// first.
func ExtractAllStep() Step {
	return Step{
		Name: "extract_all",
		Kind: KindExtraction,
		Handler: func(ctx context.Context, sc *StepContext) error {
			content := gatherContent(sc)

			target := sc.Deps.Config.ExtractTargetTokens
			if sc.Deps.Counter.Count(content) > target {
				if compressor := sc.Summarizer(); compressor != nil {
					schemaHint := "zone lore extraction covering: " + strings.Join(lore.CategoryKeys, ", ")
					content = compressor.SummarizeForExtraction(ctx, content, schemaHint, target)
				}
			}

			promptText, err := sc.Deps.Prompts.Render("extract_all", map[string]string{
				"zone":    sc.Job.TargetEntity,
				"content": content,
			})
			if err != nil {
				return err
			}

			structured, err := runStructured(ctx, sc, "extract_all", promptText, "extract_system", lore.ExtractionSchema)
			if err != nil {
				return err
			}

			for _, key := range lore.CategoryKeys {
				if category, ok := structured[key].(map[string]any); ok {
					sc.Checkpoint.PartialExtractions[key] = category
				}
			}

			return nil
		},
	}
}

// gatherContent flattens all accumulated research content, topic by topic
// in stable order.
func gatherContent(sc *StepContext) string {
	topics := make([]string, 0, len(sc.Checkpoint.AccumulatedContent))
	for topic := range sc.Checkpoint.AccumulatedContent {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var b strings.Builder
	for _, topic := range topics {
		b.WriteString("# ")
		b.WriteString(topic)
		b.WriteString("\n\n")
		for _, block := range sc.Checkpoint.AccumulatedContent[topic] {
			b.WriteString(block)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// runStructured issues a schema-guided LLM call with the single repair
// cycle: on validation failure the call is re-issued once with both the
// validation error and the malformed response appended; a second failure
// is permanent.
func runStructured(ctx context.Context, sc *StepContext, stepName, promptText, systemTemplate string, sch *schema.Schema) (map[string]any, error) {
	system, err := sc.Deps.Prompts.Render(systemTemplate, nil)
	if err != nil {
		return nil, err
	}

	result, err := sc.RunAgent(ctx, runtime.Run{
		Prompt: promptText,
		System: system,
		Schema: sch,
	})
	if err == nil {
		return result.Structured, nil
	}

	var validationErr *schema.ValidationError
	if !errors.As(err, &validationErr) {
		return nil, err
	}

	// One repair attempt, recorded in the error trail.
	sc.Checkpoint.RecordError(stepName, KindSchemaRepair, validationErr.Error())

	repairText, renderErr := sc.Deps.Prompts.Render("repair", map[string]string{
		"error":           strings.Join(validationErr.Issues, "; "),
		"previous_output": validationErr.Raw,
	})
	if renderErr != nil {
		return nil, renderErr
	}

	result, err = sc.RunAgent(ctx, runtime.Run{
		Prompt: promptText + "\n\n" + repairText,
		System: system,
		Schema: sch,
	})
	if err != nil {
		if errors.As(err, &validationErr) {
			return nil, &StepError{
				Step: stepName,
				Kind: KindPermanentSchema,
				Err:  fmt.Errorf("validation failed after repair attempt: %w", validationErr),
			}
		}
		return nil, err
	}

	return result.Structured, nil
}
