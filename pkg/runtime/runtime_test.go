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

package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/schema"
	"github.com/kadirpekel/zonescribe/pkg/tool"
)

// scriptedLLM yields one scripted response per Generate call.
type scriptedLLM struct {
	responses []*model.Response
	requests  []*model.Request
}

func (s *scriptedLLM) Name() string { return "scripted" }
func (s *scriptedLLM) Close() error { return nil }

func (s *scriptedLLM) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.requests) > len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[len(s.requests)-1]
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	}
	return resp, nil
}

func echoRegistry(t *testing.T, calls *[]string) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	require.NoError(t, registry.Add(&tool.LocalToolset{
		SetName: "test",
		SetTools: []tool.Tool{&tool.Func{
			ToolName: "test_echo",
			Desc:     "Echoes its input.",
			Params:   map[string]any{"type": "object"},
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				*calls = append(*calls, args["value"].(string))
				return "echo: " + args["value"].(string), nil
			},
		}},
	}))
	return registry
}

func TestExecutePlainAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{{Text: "the answer"}}}
	rt := New(llm, nil, 0)

	result, err := rt.Execute(context.Background(), Run{Prompt: "question"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Text)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "user", result.Messages[0].Role)
	assert.Equal(t, "assistant", result.Messages[1].Role)
}

func TestExecuteToolLoop(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "test_echo", Arguments: map[string]any{"value": "hello"}}}},
		{Text: "done"},
	}}

	var calls []string
	rt := New(llm, echoRegistry(t, &calls), 0)

	result, err := rt.Execute(context.Background(), Run{Prompt: "go", WithTools: true})
	require.NoError(t, err)

	assert.Equal(t, "done", result.Text)
	assert.Equal(t, []string{"hello"}, calls)
	// Usage accumulates across both iterations
	assert.Equal(t, 30, result.Usage.TotalTokens)

	// The tool result went back to the model
	secondReq := llm.requests[1]
	var sawToolMsg bool
	for _, msg := range secondReq.Messages {
		if msg.Role == "tool" && msg.Content == "echo: hello" && msg.ToolCallID == "c1" {
			sawToolMsg = true
		}
	}
	assert.True(t, sawToolMsg)

	// Tool definitions were exposed on every call
	require.Len(t, llm.requests[0].Tools, 1)
	assert.Equal(t, "test_echo", llm.requests[0].Tools[0].Name)
}

func TestExecuteIterationBound(t *testing.T) {
	// Model keeps calling tools forever
	responses := make([]*model.Response, 20)
	for i := range responses {
		responses[i] = &model.Response{ToolCalls: []model.ToolCall{
			{ID: "c", Name: "test_echo", Arguments: map[string]any{"value": "again"}},
		}}
	}
	llm := &scriptedLLM{responses: responses}

	var calls []string
	rt := New(llm, echoRegistry(t, &calls), 3)

	_, err := rt.Execute(context.Background(), Run{Prompt: "go", WithTools: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 iterations")
	assert.Len(t, calls, 3)
}

type extractionTarget struct {
	Name       string  `json:"name" jsonschema:"required"`
	Confidence float64 `json:"confidence" jsonschema:"required"`
}

func TestExecuteStructuredOutput(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		{Text: "```json\n{\"name\": \"Duskwood\", \"confidence\": 0.9}\n```"},
	}}
	rt := New(llm, nil, 0)

	sch, err := schema.Reflect[extractionTarget]("target")
	require.NoError(t, err)

	result, err := rt.Execute(context.Background(), Run{Prompt: "extract", Schema: sch})
	require.NoError(t, err)
	assert.Equal(t, "Duskwood", result.Structured["name"])

	// The schema reached the provider request
	assert.NotNil(t, llm.requests[0].ResponseSchema)
	assert.Equal(t, "target", llm.requests[0].ResponseSchemaName)
}

func TestExecuteStructuredValidationFailure(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		{Text: `{"name": 42}`},
	}}
	rt := New(llm, nil, 0)

	sch, err := schema.Reflect[extractionTarget]("target")
	require.NoError(t, err)

	result, err := rt.Execute(context.Background(), Run{Prompt: "extract", Schema: sch})
	require.Error(t, err)

	var validationErr *schema.ValidationError
	assert.True(t, errors.As(err, &validationErr))

	// The result still carries usage for budget settlement
	require.NotNil(t, result)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestExecuteToolReportedErrorGoesBackToModel(t *testing.T) {
	llm := &scriptedLLM{responses: []*model.Response{
		{ToolCalls: []model.ToolCall{{ID: "c1", Name: "test_boom", Arguments: map[string]any{}}}},
		{Text: "recovered"},
	}}

	registry := tool.NewRegistry()
	require.NoError(t, registry.Add(&tool.LocalToolset{
		SetName: "test",
		SetTools: []tool.Tool{&tool.Func{
			ToolName: "test_boom",
			Desc:     "Always fails.",
			Params:   map[string]any{"type": "object"},
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				return "", errors.New("tool exploded")
			},
		}},
	}))

	rt := New(llm, registry, 0)
	result, err := rt.Execute(context.Background(), Run{Prompt: "go", WithTools: true})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)

	var sawError bool
	for _, msg := range llm.requests[1].Messages {
		if msg.Role == "tool" && msg.Content == "Error: tool exploded" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}
