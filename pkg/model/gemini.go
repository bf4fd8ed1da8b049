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
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiLLM implements LLM via the official Google GenAI SDK.
type GeminiLLM struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider.
func NewGemini(apiKey, model string) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini (set GEMINI_API_KEY)")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{client: client, model: model}, nil
}

// Name returns the model identifier.
func (p *GeminiLLM) Name() string {
	return p.model
}

// Close releases resources.
func (p *GeminiLLM) Close() error {
	return nil
}

// Generate performs a GenerateContent call.
func (p *GeminiLLM) Generate(ctx context.Context, req *Request) (*Response, error) {
	contents := p.buildContents(req)
	config := p.buildConfig(req)

	genResp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	return p.parseResponse(genResp)
}

func (p *GeminiLLM) buildContents(req *Request) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Arguments,
					},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.Name,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	return contents
}

func (p *GeminiLLM) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	if req.ResponseSchema != nil {
		config.ResponseSchema = toGenaiSchema(req.ResponseSchema)
		config.ResponseMIMEType = "application/json"
	}

	for _, t := range req.Tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			}},
		})
	}

	return config
}

func (p *GeminiLLM) parseResponse(genResp *genai.GenerateContentResponse) (*Response, error) {
	if len(genResp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	candidate := genResp.Candidates[0]
	resp := &Response{FinishReason: string(candidate.FinishReason)}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" && !part.Thought {
				resp.Text += part.Text
			}
			if part.FunctionCall != nil {
				rawArgs, _ := json.Marshal(part.FunctionCall.Args)
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
					RawArgs:   string(rawArgs),
				})
			}
		}
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp, nil
}

// toGenaiSchema converts a JSON Schema map to the SDK's schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}
