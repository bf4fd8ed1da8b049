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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParsesProviderReference(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "test-key")

	llm, err := New("anthropic:claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", llm.Name())

	llm, err = New("openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", llm.Name())
}

func TestNewRejectsBadReferences(t *testing.T) {
	for _, ref := range []string{"", "claude", "anthropic:", "warp:engine-9"} {
		_, err := New(ref)
		assert.Error(t, err, "reference %q should be rejected", ref)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New("anthropic:claude-sonnet-4-20250514")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	assert.Equal(t, Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, u)
}

func TestAnthropicBuildRequest(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	p, err := NewAnthropic("test-key", "claude-sonnet-4-20250514")
	require.NoError(t, err)

	req := p.buildRequest(&Request{
		System: "be thorough",
		Messages: []Message{
			{Role: "user", Content: "question"},
			{Role: "assistant", Content: "thinking", ToolCalls: []ToolCall{
				{ID: "t1", Name: "search", Arguments: map[string]any{"q": "x"}, RawArgs: `{"q":"x"}`},
			}},
			{Role: "tool", Content: "tool output", ToolCallID: "t1", Name: "search"},
		},
		Tools: []ToolDefinition{
			{Name: "search", Description: "Searches.", Parameters: map[string]any{"type": "object"}},
		},
		MaxTokens: 2048,
	})

	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	assert.Equal(t, 2048, req.MaxTokens)
	assert.Equal(t, "be thorough", req.System)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "search", req.Tools[0].Name)

	require.Len(t, req.Messages, 3)

	// Assistant tool calls become tool_use content blocks
	blocks, ok := req.Messages[1].Content.([]anthropicContent)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.Equal(t, "text", blocks[0].Type)
	assert.Equal(t, "tool_use", blocks[1].Type)
	assert.Equal(t, "t1", blocks[1].ID)

	// Tool results ride a user message with a tool_result block
	blocks, ok = req.Messages[2].Content.([]anthropicContent)
	require.True(t, ok)
	assert.Equal(t, "user", req.Messages[2].Role)
	assert.Equal(t, "tool_result", blocks[0].Type)
	assert.Equal(t, "t1", blocks[0].ToolUseID)
	assert.Equal(t, "tool output", blocks[0].Content)
}

func TestAnthropicSchemaInjection(t *testing.T) {
	p, err := NewAnthropic("test-key", "claude-sonnet-4-20250514")
	require.NoError(t, err)

	req := p.buildRequest(&Request{
		System:   "extract data",
		Messages: []Message{{Role: "user", Content: "go"}},
		ResponseSchema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
		},
	})

	assert.Contains(t, req.System, "extract data")
	assert.Contains(t, req.System, "JSON Schema")
	assert.Contains(t, req.System, `"required"`)
}

func TestOpenAIBuildRequest(t *testing.T) {
	p, err := NewOpenAI("test-key", "gpt-4o")
	require.NoError(t, err)

	req := p.buildRequest(&Request{
		System: "be brief",
		Messages: []Message{
			{Role: "user", Content: "question"},
			{Role: "tool", Content: "output", ToolCallID: "c1", Name: "search"},
		},
		Tools: []ToolDefinition{
			{Name: "search", Description: "Searches.", Parameters: map[string]any{"type": "object"}},
		},
	})

	// System prompt becomes the leading system message
	require.GreaterOrEqual(t, len(req.Messages), 3)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Equal(t, "tool", req.Messages[2].Role)
	assert.Equal(t, "c1", req.Messages[2].ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.Equal(t, "search", req.Tools[0].Function.Name)
	assert.Nil(t, req.ResponseFormat)
}

func TestOpenAIResponseFormat(t *testing.T) {
	p, err := NewOpenAI("test-key", "gpt-4o")
	require.NoError(t, err)

	req := p.buildRequest(&Request{
		Messages:           []Message{{Role: "user", Content: "go"}},
		ResponseSchema:     map[string]any{"type": "object"},
		ResponseSchemaName: "zone_extraction",
	})

	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_schema", req.ResponseFormat.Type)
	assert.Equal(t, "zone_extraction", req.ResponseFormat.JSONSchema.Name)
}

func TestGeminiSchemaConversion(t *testing.T) {
	s := toGenaiSchema(map[string]any{
		"type":        "object",
		"description": "a thing",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"tier": map[string]any{
				"type": "string",
				"enum": []any{"official", "primary"},
			},
		},
		"required": []any{"name"},
	})

	require.NotNil(t, s)
	assert.Equal(t, "a thing", s.Description)
	assert.Equal(t, []string{"name"}, s.Required)
	require.Contains(t, s.Properties, "tags")
	require.NotNil(t, s.Properties["tags"].Items)
	assert.Equal(t, []string{"official", "primary"}, s.Properties["tier"].Enum)
}
