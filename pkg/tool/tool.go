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

// Package tool defines the capability surface agents invoke.
//
// A Toolset is a named group of tools from one source. The agent runtime
// consumes the {list tools, call tool} capability set regardless of whether
// the backing transport is streamable HTTP or in-process; new tool sources
// require configuration, not code changes.
package tool

import (
	"context"
	"fmt"
)

// Tool is a single callable capability.
type Tool interface {
	// Name returns the unique (prefixed) tool name.
	Name() string

	// Description tells the LLM what the tool does.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments.
	Schema() map[string]any

	// Call executes the tool and returns its text result.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Toolset is a named group of tools from one source.
type Toolset interface {
	// Name returns the tool-set name (also the default name prefix).
	Name() string

	// Tools returns the available tools, connecting lazily if needed.
	Tools(ctx context.Context) ([]Tool, error)

	// Close releases the source's resources.
	Close() error
}

// TransportError wraps a tool transport failure so callers can classify
// it as transient.
type TransportError struct {
	Toolset string
	Tool    string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool transport error (%s/%s): %v", e.Toolset, e.Tool, e.Err)
	}
	return fmt.Sprintf("tool transport error (%s): %v", e.Toolset, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
