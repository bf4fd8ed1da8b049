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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/httpclient"
)

const anthropicDefaultHost = "https://api.anthropic.com"

// AnthropicLLM implements LLM against the Anthropic Messages API.
type AnthropicLLM struct {
	apiKey     string
	model      string
	host       string
	maxTokens  int
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey, model string) (*AnthropicLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic (set ANTHROPIC_API_KEY)")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required for Anthropic")
	}

	return &AnthropicLLM{
		apiKey:    apiKey,
		model:     model,
		host:      anthropicDefaultHost,
		maxTokens: 4096,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

// Name returns the model identifier.
func (p *AnthropicLLM) Name() string {
	return p.model
}

// Close releases resources. The Anthropic provider holds none.
func (p *AnthropicLLM) Close() error {
	return nil
}

// Generate performs a Messages API call.
func (p *AnthropicLLM) Generate(ctx context.Context, req *Request) (*Response, error) {
	body := p.buildRequest(req)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.host+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	resp := &Response{
		FinishReason: apiResp.StopReason,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}

	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if block.Input != nil {
				args = *block.Input
			}
			rawArgs, _ := json.Marshal(args)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
				RawArgs:   string(rawArgs),
			})
		}
	}

	return resp, nil
}

func (p *AnthropicLLM) buildRequest(req *Request) anthropicRequest {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	system := req.System
	if req.ResponseSchema != nil {
		system = injectSchemaInstructions(system, req.ResponseSchema)
	}

	out := anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    system,
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropicContent
				if msg.Content != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					input := tc.Arguments
					if input == nil {
						input = map[string]any{}
					}
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: &input,
					})
				}
				out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: msg.Content})
			}
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	return out
}

// injectSchemaInstructions appends a structured-output instruction block to
// the system prompt for providers without a native schema hook.
func injectSchemaInstructions(system string, schema map[string]any) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return system
	}

	instructions := fmt.Sprintf(
		"\n\nRespond ONLY with a JSON object conforming to this JSON Schema. "+
			"No prose, no markdown fences.\n\n%s", string(schemaJSON))

	return system + instructions
}
