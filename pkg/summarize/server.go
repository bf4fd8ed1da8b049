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

package summarize

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server exposes the summarizer as a remote tool server over streamable
// HTTP, so research agents can summarize crawled pages without shipping
// them back through the pipeline.
type Server struct {
	summarizer *Summarizer
	mcpServer  *server.MCPServer
	defaultMax int
}

// NewServer builds the tool server around a summarizer.
func NewServer(s *Summarizer, defaultMaxOutputTokens int) *Server {
	if defaultMaxOutputTokens <= 0 {
		defaultMaxOutputTokens = 4000
	}

	srv := &Server{
		summarizer: s,
		defaultMax: defaultMaxOutputTokens,
	}

	mcpServer := server.NewMCPServer("zonescribe-summarizer", "1.0.0",
		server.WithToolCapabilities(false))

	mcpServer.AddTool(
		mcp.NewTool("summarize",
			mcp.WithDescription("Compress text to a target token size while preserving concrete facts. Pass full content; chunking is handled internally."),
			mcp.WithString("content", mcp.Required(),
				mcp.Description("The text to summarize.")),
			mcp.WithNumber("max_output_tokens",
				mcp.Description("Target size of the summary in tokens.")),
			mcp.WithString("focus_areas",
				mcp.Description("Comma-separated aspects to emphasize.")),
			mcp.WithString("strategy",
				mcp.Description("Chunking strategy."),
				mcp.Enum("semantic", "token")),
		),
		srv.handleSummarize,
	)

	mcpServer.AddTool(
		mcp.NewTool("summarize_for_extraction",
			mcp.WithDescription("Compress text while preserving detail relevant to a downstream extraction schema."),
			mcp.WithString("content", mcp.Required(),
				mcp.Description("The text to summarize.")),
			mcp.WithString("schema_hint", mcp.Required(),
				mcp.Description("Description of the extraction schema the summary must serve.")),
			mcp.WithNumber("max_output_tokens",
				mcp.Description("Target size of the summary in tokens.")),
		),
		srv.handleSummarizeForExtraction,
	)

	srv.mcpServer = mcpServer
	return srv
}

func (s *Server) handleSummarize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	maxTokens := request.GetInt("max_output_tokens", s.defaultMax)
	strategy := request.GetString("strategy", "semantic")

	var focusAreas []string
	if focus := request.GetString("focus_areas", ""); focus != "" {
		focusAreas = splitAndTrim(focus)
	}

	result := s.summarizer.Summarize(ctx, content, maxTokens, focusAreas, strategy)
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleSummarizeForExtraction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	schemaHint, err := request.RequireString("schema_hint")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	maxTokens := request.GetInt("max_output_tokens", s.defaultMax)

	result := s.summarizer.SummarizeForExtraction(ctx, content, schemaHint, maxTokens)
	return mcp.NewToolResultText(result), nil
}

// ListenAndServe serves the tool server over streamable HTTP until the
// listener fails.
func (s *Server) ListenAndServe(addr string) error {
	slog.Info("Summarizer tool server listening", "addr", addr)
	return server.NewStreamableHTTPServer(s.mcpServer).Start(addr)
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
