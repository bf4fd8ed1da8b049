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
	"fmt"

	"github.com/kadirpekel/zonescribe/pkg/config"
	"github.com/kadirpekel/zonescribe/pkg/registry"
)

// Registry aggregates toolsets and resolves prefixed tool names.
type Registry struct {
	sets *registry.BaseRegistry[Toolset]
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{sets: registry.NewBaseRegistry[Toolset]()}
}

// LoadFromConfig instantiates one remote toolset per configured tool set.
// Clients are created once and shared for the registry's lifetime.
func LoadFromConfig(toolConfigs map[string]config.ToolConfig) (*Registry, error) {
	r := NewRegistry()

	for name, tc := range toolConfigs {
		ts, err := NewRemote(RemoteConfig{
			Name:        name,
			Endpoint:    tc.Endpoint,
			Prefix:      tc.Prefix,
			Timeout:     tc.Timeout.Std(),
			ReadTimeout: tc.ReadTimeout.Std(),
			MaxRetries:  tc.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create toolset '%s': %w", name, err)
		}
		if err := r.Add(ts); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Add registers a toolset.
func (r *Registry) Add(ts Toolset) error {
	return r.sets.Register(ts.Name(), ts)
}

// Toolsets returns the registered toolsets.
func (r *Registry) Toolsets() []Toolset {
	return r.sets.List()
}

// Tools returns every tool from every toolset.
func (r *Registry) Tools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	for _, name := range r.sets.Names() {
		ts, _ := r.sets.Get(name)
		tools, err := ts.Tools(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, tools...)
	}
	return all, nil
}

// Call resolves a prefixed tool name and executes it.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	tools, err := r.Tools(ctx)
	if err != nil {
		return "", err
	}

	for _, t := range tools {
		if t.Name() == name {
			return t.Call(ctx, args)
		}
	}

	return "", fmt.Errorf("unknown tool '%s'", name)
}

// Close closes all toolsets.
func (r *Registry) Close() error {
	var firstErr error
	for _, ts := range r.sets.List() {
		if err := ts.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
