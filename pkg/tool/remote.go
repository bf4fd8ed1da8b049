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

package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/httpclient"
)

const (
	// DefaultReadTimeout bounds the whole exchange including the response
	// stream. Long enough for crawl and summarize operations.
	DefaultReadTimeout = 5 * time.Minute

	protocolVersion = "2024-11-05"
)

// RemoteConfig configures a RemoteToolset.
type RemoteConfig struct {
	// Name identifies this toolset and prefixes its tool names.
	Name string

	// Endpoint is the streamable-HTTP URL of the tool server.
	Endpoint string

	// Prefix overrides the tool-name prefix (default: Name).
	Prefix string

	// Timeout bounds the request phase.
	Timeout time.Duration

	// ReadTimeout bounds SSE response reading.
	ReadTimeout time.Duration

	// MaxRetries for transport-level retry (default 3).
	MaxRetries int
}

// RemoteToolset exposes a remote tool server's tools over streamable HTTP.
//
// The wire protocol is JSON-RPC in a cooperative single-request model: one
// POST produces one response, delivered either as plain JSON or as the
// first complete message of an SSE stream. The connection is reused across
// calls; a session id handed out by the server is echoed on every request.
type RemoteToolset struct {
	cfg        RemoteConfig
	httpClient *httpclient.Client

	mu        sync.Mutex
	tools     []Tool
	connected bool

	sessionMu sync.RWMutex
	sessionID string
}

// NewRemote creates a remote toolset. The connection is established lazily
// on the first Tools call.
func NewRemote(cfg RemoteConfig) (*RemoteToolset, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for remote toolset '%s'", cfg.Name)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.Name
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	return &RemoteToolset{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Transport: transport, Timeout: cfg.ReadTimeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}, nil
}

// Name returns the toolset name.
func (t *RemoteToolset) Name() string {
	return t.cfg.Name
}

// Tools returns the available tools, connecting lazily if needed.
func (t *RemoteToolset) Tools(ctx context.Context) ([]Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, &TransportError{Toolset: t.cfg.Name, Err: err}
		}
	}

	return t.tools, nil
}

// Close releases the toolset. HTTP connections need no explicit teardown.
func (t *RemoteToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools = nil
	t.connected = false
	return nil
}

func (t *RemoteToolset) connect(ctx context.Context) error {
	initResp, err := t.makeRequest(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    "zonescribe",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tool server: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("tool server init error: %s", initResp.Error.Message)
	}

	listResp, err := t.makeRequest(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("tool server list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]any)
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var tools []Tool
	for _, toolRaw := range toolsList {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}

		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		if name == "" {
			continue
		}

		var schema map[string]any
		if inputSchema, ok := toolMap["inputSchema"].(map[string]any); ok {
			schema = inputSchema
		}

		tools = append(tools, &remoteTool{
			toolset: t,
			remote:  name,
			name:    t.cfg.Prefix + "_" + name,
			desc:    desc,
			schema:  schema,
		})
	}

	t.tools = tools
	t.connected = true

	slog.Info("Connected to tool server",
		"toolset", t.cfg.Name,
		"endpoint", t.cfg.Endpoint,
		"tools", len(tools))

	return nil
}

// JSON-RPC types
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *RemoteToolset) makeRequest(ctx context.Context, method string, params any) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.cfg.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		slog.Debug("Tool server request failed",
			"toolset", t.cfg.Name,
			"method", method,
			"error", err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSessionID := httpResp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s (response: %s)",
			httpResp.StatusCode, httpResp.Status, string(responseBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(httpResp)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(responseBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an SSE
// stream. The server may hold the stream open, so reading is bounded by the
// configured read timeout.
func (t *RemoteToolset) readSSEResponse(httpResp *http.Response) (*rpcResponse, error) {
	type result struct {
		response *rpcResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer httpResp.Body.Close()

		// ReadBytes has no fixed buffer limit, unlike Scanner's 64KB default,
		// which matters for large crawl results.
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					slog.Debug("Tool server SSE read error", "toolset", t.cfg.Name, "error", err)
				}
				break
			}

			lineStr := strings.TrimSpace(string(line))

			// Empty line signals end of event
			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp rpcResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if currentData.Len() > 0 {
			var resp rpcResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}

		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, res.err
		}
		return res.response, nil
	case <-time.After(t.cfg.ReadTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", t.cfg.ReadTimeout)
	}
}

// remoteTool is a single tool exposed by a RemoteToolset.
type remoteTool struct {
	toolset *RemoteToolset
	remote  string // server-side name
	name    string // prefixed name exposed to the agent
	desc    string
	schema  map[string]any
}

func (rt *remoteTool) Name() string           { return rt.name }
func (rt *remoteTool) Description() string    { return rt.desc }
func (rt *remoteTool) Schema() map[string]any { return rt.schema }

func (rt *remoteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	start := time.Now()

	resp, err := rt.toolset.makeRequest(ctx, "tools/call", map[string]any{
		"name":      rt.remote,
		"arguments": args,
	})
	if err != nil {
		return "", &TransportError{Toolset: rt.toolset.cfg.Name, Tool: rt.remote, Err: err}
	}
	if resp.Error != nil {
		return "", &TransportError{
			Toolset: rt.toolset.cfg.Name,
			Tool:    rt.remote,
			Err:     fmt.Errorf("tool error (code %d): %s", resp.Error.Code, resp.Error.Message),
		}
	}

	content, isError := extractContent(resp.Result)
	if isError {
		return "", fmt.Errorf("tool '%s' reported error: %s", rt.name, content)
	}

	slog.Debug("Tool call completed",
		"tool", rt.name,
		"duration_ms", time.Since(start).Milliseconds(),
		"content_length", len(content))

	return content, nil
}

// extractContent pulls text content out of a tools/call result and reports
// whether the server flagged the result as an error.
func extractContent(result any) (string, bool) {
	resultMap, ok := result.(map[string]any)
	if !ok {
		return fmt.Sprintf("%v", result), false
	}

	isError, _ := resultMap["isError"].(bool)

	var content strings.Builder
	if contentArray, ok := resultMap["content"].([]any); ok {
		for _, item := range contentArray {
			if contentItem, ok := item.(map[string]any); ok {
				if text, ok := contentItem["text"].(string); ok {
					if content.Len() > 0 {
						content.WriteString("\n")
					}
					content.WriteString(text)
				}
			}
		}
	}

	if content.Len() == 0 {
		if text, ok := resultMap["text"].(string); ok {
			content.WriteString(text)
		} else if text, ok := resultMap["content"].(string); ok {
			content.WriteString(text)
		}
	}

	return strings.TrimSpace(content.String()), isError
}
