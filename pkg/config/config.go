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

// Package config defines the zonescribe configuration document.
//
// A single yaml file configures one worker instance: the model reference,
// the remote tool sets, pipeline and summarizer tuning, the checkpoint
// backend, and the status bus. Every string value supports ${VAR} and
// ${VAR:-default} environment substitution.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes yaml scalars like "30s" or "5m".
// Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default tuning values. These match the reference pipeline behavior and
// are applied wherever the document leaves a field unset.
const (
	DefaultMaxContentBlocks     = 10
	DefaultMaxIterations        = 10
	DefaultMinimumHeadroom      = 2000
	DefaultExpectedCompletion   = 4096
	DefaultExtractTargetTokens  = 16000
	DefaultResearchTimeout      = 5 * time.Minute
	DefaultTransformTimeout     = 30 * time.Second
	DefaultChunkSize            = 4000
	DefaultChunkOverlap         = 200
	DefaultMaxConcurrentLLM     = 5
	DefaultMaxReducePasses      = 3
	DefaultSummaryOutputTokens  = 4000
	DefaultBudgetTokens         = 500_000
	DefaultToolTimeout          = 30 * time.Second
	DefaultToolReadTimeout      = 5 * time.Minute
	DefaultCheckpointSaveRetry  = 3
)

// Config is the root configuration document.
type Config struct {
	// Model is the provider-qualified model reference, e.g.
	// "anthropic:claude-sonnet-4-20250514" or "openai:gpt-4o".
	Model string `yaml:"model"`

	// AgentID identifies this worker instance in status events.
	AgentID string `yaml:"agent_id"`

	Tools      map[string]ToolConfig `yaml:"tools"`
	Pipeline   PipelineConfig        `yaml:"pipeline"`
	Summarizer SummarizerConfig      `yaml:"summarizer"`
	Checkpoint CheckpointConfig      `yaml:"checkpoint"`
	Bus        BusConfig             `yaml:"bus"`
	Prompts    PromptsConfig         `yaml:"prompts"`
	Logger     LoggerConfig          `yaml:"logger"`
}

// ToolConfig describes one remote tool set.
type ToolConfig struct {
	// Endpoint is the streamable-HTTP URL of the tool server.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds the request phase.
	Timeout Duration `yaml:"timeout"`

	// ReadTimeout bounds the whole exchange including the response stream.
	ReadTimeout Duration `yaml:"read_timeout"`

	// Prefix overrides the tool-name prefix; defaults to the set name.
	Prefix string `yaml:"prefix"`

	// MaxRetries for the transport layer (default 3).
	MaxRetries int `yaml:"max_retries"`
}

// PipelineConfig tunes the engine.
type PipelineConfig struct {
	MaxContentBlocks    int           `yaml:"max_content_blocks"`
	MaxIterations       int           `yaml:"max_iterations"`
	MinimumHeadroom     int           `yaml:"minimum_headroom"`
	ExpectedCompletion  int           `yaml:"expected_completion"`
	ExtractTargetTokens int      `yaml:"extract_target_tokens"`
	ResearchTimeout     Duration `yaml:"research_timeout"`
	TransformTimeout    Duration `yaml:"transform_timeout"`
	DefaultBudgetTokens int      `yaml:"default_budget_tokens"`
}

// SummarizerConfig tunes the map-reduce summarizer and its tool server.
type SummarizerConfig struct {
	ChunkSize          int    `yaml:"chunk_size"`
	Overlap            int    `yaml:"overlap"`
	MaxConcurrentCalls int    `yaml:"max_concurrent_llm_calls"`
	MaxReducePasses    int    `yaml:"max_reduce_passes"`
	MaxOutputTokens    int    `yaml:"max_output_tokens"`
	Listen             string `yaml:"listen"`
}

// CheckpointConfig selects and tunes the checkpoint store.
type CheckpointConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`

	// Dir holds checkpoint documents for the file backend.
	Dir string `yaml:"dir"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// RetainCompleted keeps checkpoints after successful completion.
	RetainCompleted *bool `yaml:"retain_completed"`
}

// BusConfig selects and tunes the status publisher.
type BusConfig struct {
	// Backend is "redis" or "nop".
	Backend string `yaml:"backend"`

	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Channel receives status events; Queue receives child job requests.
	Channel string `yaml:"channel"`
	Queue   string `yaml:"queue"`

	// PackageChannel receives completed research packages.
	PackageChannel string `yaml:"package_channel"`
}

// PromptsConfig locates prompt template overrides.
type PromptsConfig struct {
	// Dir overrides the embedded templates; watched for changes.
	Dir string `yaml:"dir"`
}

// LoggerConfig tunes logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// RetainCompletedCheckpoints reports whether completed checkpoints are kept.
func (c *CheckpointConfig) RetainCompletedCheckpoints() bool {
	if c.RetainCompleted == nil {
		return true
	}
	return *c.RetainCompleted
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = os.Getenv("LLM_MODEL")
	}
	if c.AgentID == "" {
		c.AgentID = "zonescribe"
	}

	p := &c.Pipeline
	if p.MaxContentBlocks == 0 {
		p.MaxContentBlocks = DefaultMaxContentBlocks
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.MinimumHeadroom == 0 {
		p.MinimumHeadroom = DefaultMinimumHeadroom
	}
	if p.ExpectedCompletion == 0 {
		p.ExpectedCompletion = DefaultExpectedCompletion
	}
	if p.ExtractTargetTokens == 0 {
		p.ExtractTargetTokens = DefaultExtractTargetTokens
	}
	if p.ResearchTimeout == 0 {
		p.ResearchTimeout = Duration(DefaultResearchTimeout)
	}
	if p.TransformTimeout == 0 {
		p.TransformTimeout = Duration(DefaultTransformTimeout)
	}
	if p.DefaultBudgetTokens == 0 {
		if env := os.Getenv("DAILY_TOKEN_BUDGET"); env != "" {
			if n, err := strconv.Atoi(env); err == nil && n > 0 {
				p.DefaultBudgetTokens = n
			}
		}
	}
	if p.DefaultBudgetTokens == 0 {
		p.DefaultBudgetTokens = DefaultBudgetTokens
	}

	s := &c.Summarizer
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.Overlap == 0 {
		s.Overlap = DefaultChunkOverlap
	}
	if s.MaxConcurrentCalls == 0 {
		s.MaxConcurrentCalls = DefaultMaxConcurrentLLM
	}
	if s.MaxReducePasses == 0 {
		s.MaxReducePasses = DefaultMaxReducePasses
	}
	if s.MaxOutputTokens == 0 {
		s.MaxOutputTokens = DefaultSummaryOutputTokens
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "checkpoints"
	}

	if c.Bus.Backend == "" {
		c.Bus.Backend = "nop"
	}
	if c.Bus.Channel == "" {
		c.Bus.Channel = "zonescribe:status"
	}
	if c.Bus.Queue == "" {
		c.Bus.Queue = "zonescribe:jobs"
	}
	if c.Bus.PackageChannel == "" {
		c.Bus.PackageChannel = "zonescribe:packages"
	}

	for name, tc := range c.Tools {
		if tc.Timeout == 0 {
			tc.Timeout = Duration(DefaultToolTimeout)
		}
		if tc.ReadTimeout == 0 {
			tc.ReadTimeout = Duration(DefaultToolReadTimeout)
		}
		if tc.Prefix == "" {
			tc.Prefix = name
		}
		if tc.MaxRetries == 0 {
			tc.MaxRetries = 3
		}
		c.Tools[name] = tc
	}
}

// Validate checks the document for configuration errors.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required (set model: in config or LLM_MODEL in env)")
	}

	for name, tc := range c.Tools {
		if tc.Endpoint == "" {
			return fmt.Errorf("tool set '%s': endpoint is required", name)
		}
	}

	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("checkpoint: dir is required for file backend")
		}
	case "sqlite":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint: path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("checkpoint: unsupported backend '%s' (supported: file, sqlite)", c.Checkpoint.Backend)
	}

	switch c.Bus.Backend {
	case "redis":
		if c.Bus.Addr == "" {
			return fmt.Errorf("bus: addr is required for redis backend")
		}
	case "nop":
	default:
		return fmt.Errorf("bus: unsupported backend '%s' (supported: redis, nop)", c.Bus.Backend)
	}

	if c.Summarizer.Overlap >= c.Summarizer.ChunkSize {
		return fmt.Errorf("summarizer: overlap (%d) must be smaller than chunk_size (%d)",
			c.Summarizer.Overlap, c.Summarizer.ChunkSize)
	}

	return nil
}
