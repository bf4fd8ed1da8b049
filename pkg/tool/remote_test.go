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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/zonescribe/pkg/config"
)

// fakeToolServer speaks the JSON-RPC streamable-HTTP protocol.
type fakeToolServer struct {
	t          *testing.T
	sse        bool
	callsSeen  []string
	sessionIDs []string
	failCalls  bool
}

func (f *fakeToolServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.sessionIDs = append(f.sessionIDs, r.Header.Get("mcp-session-id"))

		var req struct {
			Method string `json:"method"`
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "session-123")
			result = map[string]any{"protocolVersion": "2024-11-05"}
		case "tools/list":
			result = map[string]any{
				"tools": []any{
					map[string]any{
						"name":        "web_search",
						"description": "Search the web.",
						"inputSchema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"query": map[string]any{"type": "string"},
							},
							"required": []any{"query"},
						},
					},
				},
			}
		case "tools/call":
			f.callsSeen = append(f.callsSeen, req.Params.Name)
			if f.failCalls {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			result = map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "result for " + fmt.Sprint(req.Params.Arguments["query"])},
				},
			}
		default:
			f.t.Fatalf("unexpected method %s", req.Method)
		}

		payload, err := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  result,
		})
		require.NoError(f.t, err)

		if f.sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

func newTestToolset(t *testing.T, server *httptest.Server, name string) *RemoteToolset {
	t.Helper()
	ts, err := NewRemote(RemoteConfig{
		Name:        name,
		Endpoint:    server.URL,
		Timeout:     5 * time.Second,
		ReadTimeout: 5 * time.Second,
		MaxRetries:  1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestRemoteToolsetDiscovery(t *testing.T) {
	fake := &fakeToolServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ts := newTestToolset(t, server, "search")

	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)

	// Tool names carry the tool-set prefix
	assert.Equal(t, "search_web_search", tools[0].Name())
	assert.Equal(t, "Search the web.", tools[0].Description())
	assert.Equal(t, "object", tools[0].Schema()["type"])
}

func TestRemoteToolCallJSON(t *testing.T) {
	fake := &fakeToolServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ts := newTestToolset(t, server, "search")
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)

	out, err := tools[0].Call(context.Background(), map[string]any{"query": "duskwood"})
	require.NoError(t, err)
	assert.Equal(t, "result for duskwood", out)

	// The server sees the unprefixed name
	assert.Equal(t, []string{"web_search"}, fake.callsSeen)
}

func TestRemoteToolCallSSE(t *testing.T) {
	fake := &fakeToolServer{t: t, sse: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ts := newTestToolset(t, server, "search")
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)

	out, err := tools[0].Call(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)
	assert.Equal(t, "result for x", out)
}

func TestRemoteToolsetSessionHeader(t *testing.T) {
	fake := &fakeToolServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ts := newTestToolset(t, server, "search")
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)

	_, err = tools[0].Call(context.Background(), map[string]any{"query": "x"})
	require.NoError(t, err)

	// initialize has no session; every subsequent request echoes the one
	// the server handed out.
	require.GreaterOrEqual(t, len(fake.sessionIDs), 3)
	assert.Equal(t, "", fake.sessionIDs[0])
	for _, id := range fake.sessionIDs[1:] {
		assert.Equal(t, "session-123", id)
	}
}

func TestRemoteToolCallTransportError(t *testing.T) {
	fake := &fakeToolServer{t: t, failCalls: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	ts := newTestToolset(t, server, "search")
	tools, err := ts.Tools(context.Background())
	require.NoError(t, err)

	_, err = tools[0].Call(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)

	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "search", transportErr.Toolset)
}

func TestRemoteToolsetConnectFailure(t *testing.T) {
	ts, err := NewRemote(RemoteConfig{
		Name:     "down",
		Endpoint: "http://127.0.0.1:1", // nothing listens here
		Timeout:  500 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = ts.Tools(context.Background())
	require.Error(t, err)

	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestLoadFromConfig(t *testing.T) {
	fake := &fakeToolServer{t: t}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	registry, err := LoadFromConfig(map[string]config.ToolConfig{
		"search": {
			Endpoint:    server.URL,
			Prefix:      "search",
			Timeout:     config.Duration(5 * time.Second),
			ReadTimeout: config.Duration(5 * time.Second),
			MaxRetries:  1,
		},
	})
	require.NoError(t, err)
	defer registry.Close()

	out, err := registry.Call(context.Background(), "search_web_search", map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.Contains(t, out, "result for")
}
