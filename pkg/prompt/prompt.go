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

// Package prompt loads declarative markdown prompt templates.
//
// Prompts are data, not code: every template lives in a .md file with
// {placeholder} substitution. The embedded defaults ship with the binary;
// an override directory takes precedence and is watched for changes so
// prompt iteration needs no rebuild.
//
// Placeholder syntax:
//
//	{variable}   - required; rendering fails if unresolved
//	{variable?}  - optional; empty string if unresolved
package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/*.md
var embedded embed.FS

// placeholderRe matches {variable} and {variable?}.
var placeholderRe = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)(\?)?\}`)

// Template is one named prompt with placeholders.
type Template struct {
	name string
	raw  string
}

// Name returns the template name (file name without extension).
func (t *Template) Name() string { return t.name }

// Raw returns the unrendered template text.
func (t *Template) Raw() string { return t.raw }

// Render substitutes placeholders from vars. A required placeholder with no
// value is an error; optional placeholders resolve to the empty string.
func (t *Template) Render(vars map[string]string) (string, error) {
	var missing []string

	rendered := placeholderRe.ReplaceAllStringFunc(t.raw, func(match string) string {
		parts := placeholderRe.FindStringSubmatch(match)
		name, optional := parts[1], parts[2] == "?"

		if val, ok := vars[name]; ok {
			return val
		}
		if optional {
			return ""
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("template '%s': unresolved placeholders: %s",
			t.name, strings.Join(missing, ", "))
	}

	return rendered, nil
}

// Library holds the loaded templates and serves renders.
type Library struct {
	mu        sync.RWMutex
	templates map[string]*Template
	dir       string
	watcher   *fsnotify.Watcher
}

// NewLibrary loads the embedded templates, then applies overrides from dir
// (if non-empty). The override directory is watched; changed files are
// re-parsed in place.
func NewLibrary(dir string) (*Library, error) {
	lib := &Library{
		templates: make(map[string]*Template),
		dir:       dir,
	}

	if err := lib.loadEmbedded(); err != nil {
		return nil, err
	}

	if dir != "" {
		if err := lib.loadDir(dir); err != nil {
			return nil, err
		}
		if err := lib.watch(dir); err != nil {
			slog.Warn("Prompt directory watch unavailable", "dir", dir, "error", err)
		}
	}

	return lib, nil
}

func (l *Library) loadEmbedded() error {
	entries, err := fs.ReadDir(embedded, "templates")
	if err != nil {
		return fmt.Errorf("failed to read embedded templates: %w", err)
	}

	for _, entry := range entries {
		data, err := embedded.ReadFile("templates/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		l.templates[name] = &Template{name: name, raw: string(data)}
	}

	return nil
}

func (l *Library) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read prompt dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if err := l.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

func (l *Library) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read prompt %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".md")

	l.mu.Lock()
	l.templates[name] = &Template{name: name, raw: string(data)}
	l.mu.Unlock()

	return nil
}

func (l *Library) watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".md") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.loadFile(event.Name); err != nil {
					slog.Warn("Failed to reload prompt", "path", event.Name, "error", err)
					continue
				}
				slog.Info("Reloaded prompt template", "path", event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Prompt watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Get returns a template by name.
func (l *Library) Get(name string) (*Template, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt template '%s'", name)
	}
	return t, nil
}

// Render looks up a template and renders it in one call.
func (l *Library) Render(name string, vars map[string]string) (string, error) {
	t, err := l.Get(name)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}

// Close stops the directory watcher.
func (l *Library) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
