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

// Package schema declares structured-output contracts for LLM calls.
//
// A Schema is reflected from a Go type using jsonschema struct tags and
// plays two roles: it guides the model through the provider's
// structured-output hook, and it validates the returned value. Validation
// is strict on required fields and primitive types, tolerant of unknown
// fields.
//
// Supported tags:
//   - json:"name"                          - field name
//   - jsonschema:"required"                - mark as required
//   - jsonschema:"description=..."         - description text for the LLM
//   - jsonschema:"enum=a,enum=b"           - allowed values
//   - jsonschema:"minimum=N,maximum=M"     - numeric constraints
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Schema is a structural output declaration.
type Schema struct {
	// Name identifies the schema for providers that require one.
	Name string

	// Definition is the JSON Schema document as a generic map.
	Definition map[string]any
}

// Reflect builds a Schema from a Go type using struct tags.
func Reflect[T any](name string) (*Schema, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	reflected := reflector.Reflect(new(T))

	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}

	var definition map[string]any
	if err := json.Unmarshal(data, &definition); err != nil {
		return nil, fmt.Errorf("failed to decode reflected schema: %w", err)
	}

	// $schema and $id are noise for LLM consumption
	delete(definition, "$schema")
	delete(definition, "$id")

	return &Schema{Name: name, Definition: definition}, nil
}

// MustReflect is Reflect for package-level schema variables.
func MustReflect[T any](name string) *Schema {
	s, err := Reflect[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidationError reports why a value failed schema validation.
type ValidationError struct {
	Schema string
	Issues []string

	// Raw is the malformed payload, preserved for repair prompts.
	Raw string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema '%s' validation failed: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Validate checks value against the schema's required fields and types.
// Extra fields are permitted and ignored.
func (s *Schema) Validate(value map[string]any) error {
	issues := validateObject("", s.Definition, value)
	if len(issues) > 0 {
		raw, _ := json.Marshal(value)
		return &ValidationError{Schema: s.Name, Issues: issues, Raw: string(raw)}
	}
	return nil
}

// ValidateJSON parses raw JSON and validates it against the schema.
func (s *Schema) ValidateJSON(raw string) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, &ValidationError{
			Schema: s.Name,
			Issues: []string{fmt.Sprintf("output is not valid JSON: %v", err)},
			Raw:    raw,
		}
	}
	if err := s.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

func validateObject(path string, schema map[string]any, value map[string]any) []string {
	var issues []string

	properties, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := value[name]; !present {
				issues = append(issues, fmt.Sprintf("missing required field '%s'", joinPath(path, name)))
			}
		}
	}

	for name, propRaw := range properties {
		propSchema, ok := propRaw.(map[string]any)
		if !ok {
			continue
		}
		fieldValue, present := value[name]
		if !present || fieldValue == nil {
			continue
		}
		issues = append(issues, validateValue(joinPath(path, name), propSchema, fieldValue)...)
	}

	return issues
}

func validateValue(path string, schema map[string]any, value any) []string {
	schemaType, _ := schema["type"].(string)

	switch schemaType {
	case "string":
		s, ok := value.(string)
		if !ok {
			return []string{typeIssue(path, "string", value)}
		}
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			for _, e := range enum {
				if e == s {
					return nil
				}
			}
			return []string{fmt.Sprintf("field '%s' value %q is not one of the allowed values", path, s)}
		}
	case "integer":
		// JSON numbers decode as float64; accept whole floats
		f, ok := value.(float64)
		if !ok {
			return []string{typeIssue(path, "integer", value)}
		}
		if f != float64(int64(f)) {
			return []string{fmt.Sprintf("field '%s' expected integer, got fractional number", path)}
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return []string{typeIssue(path, "number", value)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return []string{typeIssue(path, "boolean", value)}
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return []string{typeIssue(path, "array", value)}
		}
		itemSchema, ok := schema["items"].(map[string]any)
		if !ok {
			return nil
		}
		var issues []string
		for i, item := range items {
			issues = append(issues, validateValue(fmt.Sprintf("%s[%d]", path, i), itemSchema, item)...)
		}
		return issues
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return []string{typeIssue(path, "object", value)}
		}
		return validateObject(path, schema, obj)
	}

	return nil
}

func typeIssue(path, want string, got any) string {
	return fmt.Sprintf("field '%s' expected %s, got %T", path, want, got)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
