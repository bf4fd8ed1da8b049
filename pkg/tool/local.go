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

import "context"

// Func adapts a plain function into a Tool. Used for in-process tools and
// for fakes in tests.
type Func struct {
	ToolName string
	Desc     string
	Params   map[string]any
	Fn       func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.Desc }
func (f *Func) Schema() map[string]any { return f.Params }

func (f *Func) Call(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

// LocalToolset is a fixed, in-process toolset.
type LocalToolset struct {
	SetName  string
	SetTools []Tool
}

func (l *LocalToolset) Name() string { return l.SetName }

func (l *LocalToolset) Tools(ctx context.Context) ([]Tool, error) {
	return l.SetTools, nil
}

func (l *LocalToolset) Close() error { return nil }
