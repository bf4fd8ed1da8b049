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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, expands, decodes, defaults, and validates a config document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a config document from yaml bytes. Environment variables
// are expanded in every string value before decoding into typed config.
func Parse(data []byte) (*Config, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	expanded := ExpandEnvVarsInData(normalizeKeys(raw))

	// Round-trip through yaml to decode the expanded tree into the typed
	// document, so duration strings and numbers land in the right fields.
	expandedYAML, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandedYAML, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizeKeys converts map[interface{}]interface{} (yaml.v3 edge cases)
// into map[string]interface{} so expansion can walk the tree uniformly.
func normalizeKeys(data interface{}) interface{} {
	switch v := data.(type) {
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[fmt.Sprintf("%v", key)] = normalizeKeys(value)
		}
		return result
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = normalizeKeys(value)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = normalizeKeys(item)
		}
		return result
	default:
		return v
	}
}
