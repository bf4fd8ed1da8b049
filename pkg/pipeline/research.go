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
	"log/slog"
	"strings"

	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/lore"
	"github.com/kadirpekel/zonescribe/pkg/runtime"
	"github.com/kadirpekel/zonescribe/pkg/schema"
)

// ResearchStep builds an agent-driven research step for one topic. The
// agent gets the full tool surface (search, crawl, summarize, storage) and
// ends its run with a findings JSON; a malformed tail degrades to keeping
// the raw answer rather than failing the step.
func ResearchStep(name, topic string) Step {
	return Step{
		Name:  name,
		Kind:  KindResearch,
		Topic: topic,
		Handler: func(ctx context.Context, sc *StepContext) error {
			vars := map[string]string{
				"zone":  sc.Job.TargetEntity,
				"topic": topic,
			}
			if prior := priorContext(sc.Checkpoint); prior != "" {
				vars["prior_context"] = prior
			}

			promptText, err := sc.Deps.Prompts.Render("research", vars)
			if err != nil {
				return err
			}
			system, err := sc.Deps.Prompts.Render("research_system", nil)
			if err != nil {
				return err
			}

			result, err := sc.RunAgent(ctx, runtime.Run{
				Prompt:    promptText,
				System:    system,
				WithTools: true,
			})
			if err != nil {
				return err
			}

			findings := parseFindings(name, result.Text)

			sc.Checkpoint.AppendContent(topic, findings.content, sc.Deps.Config.MaxContentBlocks)
			sc.Checkpoint.MergeSources(topic, findings.sources)
			if findings.summary != "" {
				sc.Checkpoint.Summaries[topic] = findings.summary
			}

			return nil
		},
	}
}

type findings struct {
	summary string
	content []string
	sources []checkpoint.Source
}

// parseFindings validates the agent's findings JSON, degrading to the raw
// answer when the tail is malformed.
func parseFindings(step, text string) findings {
	value, err := lore.ResearchSchema.ValidateJSON(stripFences(text))
	if err != nil {
		var validationErr *schema.ValidationError
		if errors.As(err, &validationErr) {
			slog.Warn("Research findings malformed, keeping raw answer",
				"step", step, "issues", strings.Join(validationErr.Issues, "; "))
		}
		return findings{content: []string{text}}
	}

	out := findings{}
	out.summary, _ = value["summary"].(string)

	if blocks, ok := value["content"].([]any); ok {
		for _, b := range blocks {
			if s, ok := b.(string); ok && strings.TrimSpace(s) != "" {
				out.content = append(out.content, s)
			}
		}
	}

	if sources, ok := value["sources"].([]any); ok {
		for _, s := range sources {
			m, ok := s.(map[string]any)
			if !ok {
				continue
			}
			uri, _ := m["uri"].(string)
			tier, _ := m["tier"].(string)
			if uri == "" {
				continue
			}
			out.sources = append(out.sources, checkpoint.Source{
				URI:  uri,
				Tier: checkpoint.Tier(tier),
			})
		}
	}

	if len(out.content) == 0 {
		out.content = []string{text}
	}

	return out
}

// priorContext summarizes earlier topics so later research steps can avoid
// re-covering them. The runtime has no session memory; this is the explicit
// hand-off.
func priorContext(cp *checkpoint.Checkpoint) string {
	if len(cp.Summaries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Already researched:\n")
	for topic, summary := range cp.Summaries {
		b.WriteString("- ")
		b.WriteString(topic)
		b.WriteString(": ")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
