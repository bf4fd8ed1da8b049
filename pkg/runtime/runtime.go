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

// Package runtime drives the LLM with tool access.
//
// Each Run is a fresh conversation: the runtime keeps no session memory
// across runs, so callers pass any prior context explicitly in the prompt.
// Tool calls requested by the model are executed through the shared tool
// registry and fed back until the model produces a final answer or the
// iteration bound is hit. When an output schema is supplied the final
// answer is parsed and validated against it; validation failures surface
// as *schema.ValidationError so the engine can run its repair cycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/schema"
	"github.com/kadirpekel/zonescribe/pkg/tool"
)

// DefaultMaxIterations bounds the tool loop.
const DefaultMaxIterations = 10

// Run describes one agent invocation.
type Run struct {
	Prompt string
	System string

	// Schema, when set, requests structured output validated on return.
	Schema *schema.Schema

	// WithTools exposes the registry's tools to the model.
	WithTools bool

	MaxTokens int
}

// Result is the outcome of a Run.
type Result struct {
	// Text is the model's final free-text answer.
	Text string

	// Structured is the validated object when a schema was supplied.
	Structured map[string]any

	// Usage aggregates token usage across all iterations.
	Usage model.Usage

	// Messages is the full exchange, for debugging and accounting.
	Messages []model.Message
}

// Runtime wraps a model and a tool registry.
type Runtime struct {
	llm           model.LLM
	tools         *tool.Registry
	maxIterations int
}

// New creates a Runtime. The tool registry may be nil for tool-less use.
func New(llm model.LLM, tools *tool.Registry, maxIterations int) *Runtime {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Runtime{llm: llm, tools: tools, maxIterations: maxIterations}
}

// ModelName returns the underlying model identifier.
func (r *Runtime) ModelName() string {
	return r.llm.Name()
}

// Execute performs one agent run.
func (r *Runtime) Execute(ctx context.Context, run Run) (*Result, error) {
	result := &Result{
		Messages: []model.Message{{Role: "user", Content: run.Prompt}},
	}

	var defs []model.ToolDefinition
	if run.WithTools && r.tools != nil {
		tools, err := r.tools.Tools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			defs = append(defs, model.ToolDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			})
		}
	}

	var responseSchema map[string]any
	var responseSchemaName string
	if run.Schema != nil {
		responseSchema = run.Schema.Definition
		responseSchemaName = run.Schema.Name
	}

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		resp, err := r.llm.Generate(ctx, &model.Request{
			Messages:           result.Messages,
			System:             run.System,
			Tools:              defs,
			MaxTokens:          run.MaxTokens,
			ResponseSchema:     responseSchema,
			ResponseSchemaName: responseSchemaName,
		})
		if err != nil {
			return nil, err
		}

		result.Usage.Add(resp.Usage)

		if !resp.HasToolCalls() {
			result.Text = resp.Text
			result.Messages = append(result.Messages, model.Message{
				Role:    "assistant",
				Content: resp.Text,
			})

			if run.Schema != nil {
				structured, err := run.Schema.ValidateJSON(stripFences(resp.Text))
				if err != nil {
					return result, err
				}
				result.Structured = structured
			}

			return result, nil
		}

		result.Messages = append(result.Messages, model.Message{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			start := time.Now()
			output, err := r.tools.Call(ctx, tc.Name, tc.Arguments)
			if err != nil {
				// Transport failures propagate for the engine to classify;
				// tool-reported errors go back to the model so it can
				// adjust course.
				var transportErr *tool.TransportError
				if errors.As(err, &transportErr) {
					return result, err
				}
				output = fmt.Sprintf("Error: %v", err)
			}

			slog.Debug("Agent tool call",
				"tool", tc.Name,
				"duration_ms", time.Since(start).Milliseconds(),
				"output_length", len(output))

			result.Messages = append(result.Messages, model.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	return result, fmt.Errorf("agent exceeded %d iterations without a final answer", r.maxIterations)
}

// stripFences removes a surrounding markdown code fence from an LLM answer.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
