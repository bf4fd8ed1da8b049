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

// Package checkpoint provides the durable per-job state document.
//
// A checkpoint captures everything needed to resume a job after a crash:
// the step cursor, accumulated research content and sources, partial
// extractions, the error trail, and token spend. The engine mutates it
// exclusively between steps; stores persist it atomically so a reader
// never observes a torn document.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the job lifecycle state recorded in the checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Tier classifies a source's authority, assigned at crawl time.
type Tier string

const (
	TierOfficial Tier = "official"
	TierPrimary  Tier = "primary"
	TierTertiary Tier = "tertiary"
)

// tierRank orders tiers for merge conflicts; higher wins.
func tierRank(t Tier) int {
	switch t {
	case TierOfficial:
		return 3
	case TierPrimary:
		return 2
	case TierTertiary:
		return 1
	default:
		return 0
	}
}

// Source is an origin URI with its tier classification.
type Source struct {
	URI  string `json:"uri"`
	Tier Tier   `json:"tier"`
}

// StepError is one entry of the append-only error trail.
type StepError struct {
	Step      string    `json:"step"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is the per-job state document.
type Checkpoint struct {
	JobID string `json:"job_id"`

	CurrentStepIndex   int      `json:"current_step_index"`
	CompletedStepNames []string `json:"completed_step_names"`

	AccumulatedContent map[string][]string `json:"accumulated_content"`
	AccumulatedSources map[string][]Source `json:"accumulated_sources"`
	Summaries          map[string]string   `json:"summaries,omitempty"`

	PartialExtractions map[string]map[string]any `json:"partial_extractions"`

	Errors     []StepError `json:"errors"`
	TokensUsed int         `json:"tokens_used"`
	Status     Status      `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a fresh checkpoint for a job.
func New(jobID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		JobID:              jobID,
		AccumulatedContent: make(map[string][]string),
		AccumulatedSources: make(map[string][]Source),
		Summaries:          make(map[string]string),
		PartialExtractions: make(map[string]map[string]any),
		Status:             StatusRunning,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CompleteStep records a step as done and advances the cursor, keeping the
// index == len(completed) invariant.
func (c *Checkpoint) CompleteStep(name string) {
	c.CompletedStepNames = append(c.CompletedStepNames, name)
	c.CurrentStepIndex = len(c.CompletedStepNames)
}

// AppendContent adds content blocks under a topic, keeping at most
// maxBlocks and discarding oldest on overflow.
func (c *Checkpoint) AppendContent(topic string, blocks []string, maxBlocks int) {
	if c.AccumulatedContent == nil {
		c.AccumulatedContent = make(map[string][]string)
	}
	merged := append(c.AccumulatedContent[topic], blocks...)
	if maxBlocks > 0 && len(merged) > maxBlocks {
		merged = merged[len(merged)-maxBlocks:]
	}
	c.AccumulatedContent[topic] = merged
}

// MergeSources merges sources under a topic, deduplicated by URI with the
// highest tier seen preserved.
func (c *Checkpoint) MergeSources(topic string, sources []Source) {
	if c.AccumulatedSources == nil {
		c.AccumulatedSources = make(map[string][]Source)
	}

	existing := c.AccumulatedSources[topic]
	byURI := make(map[string]int, len(existing))
	for i, s := range existing {
		byURI[s.URI] = i
	}

	for _, s := range sources {
		if s.URI == "" {
			continue
		}
		if i, seen := byURI[s.URI]; seen {
			if tierRank(s.Tier) > tierRank(existing[i].Tier) {
				existing[i].Tier = s.Tier
			}
			continue
		}
		existing = append(existing, s)
		byURI[s.URI] = len(existing) - 1
	}

	c.AccumulatedSources[topic] = existing
}

// RecordError appends to the error trail.
func (c *Checkpoint) RecordError(step, kind, message string) {
	c.Errors = append(c.Errors, StepError{
		Step:      step,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// LastErrorFor returns the most recent error recorded for a step, if any.
func (c *Checkpoint) LastErrorFor(step string) (StepError, bool) {
	for i := len(c.Errors) - 1; i >= 0; i-- {
		if c.Errors[i].Step == step {
			return c.Errors[i], true
		}
	}
	return StepError{}, false
}

// HasCompleted reports whether a step name is already recorded.
func (c *Checkpoint) HasCompleted(name string) bool {
	for _, n := range c.CompletedStepNames {
		if n == name {
			return true
		}
	}
	return false
}

// Serialize converts the checkpoint to JSON bytes.
func (c *Checkpoint) Serialize() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot serialize nil checkpoint")
	}
	return json.MarshalIndent(c, "", "  ")
}

// Deserialize reconstructs a checkpoint from JSON bytes. Unknown fields are
// tolerated for forward compatibility.
func Deserialize(data []byte) (*Checkpoint, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot deserialize empty data")
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	if c.AccumulatedContent == nil {
		c.AccumulatedContent = make(map[string][]string)
	}
	if c.AccumulatedSources == nil {
		c.AccumulatedSources = make(map[string][]Source)
	}
	if c.Summaries == nil {
		c.Summaries = make(map[string]string)
	}
	if c.PartialExtractions == nil {
		c.PartialExtractions = make(map[string]map[string]any)
	}

	return &c, nil
}
