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

// Package pipeline drives a research job through a fixed, ordered sequence
// of named steps with crash-resilient checkpointing.
//
// The engine owns the checkpoint exclusively during execution: a step's
// output and the cursor advance are persisted as one atomic write, so a
// restart resumes from the last completed step and never re-executes one.
// Steps are parameterized; alternate domains substitute their own step
// slice without engine changes.
package pipeline

import (
	"context"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/budget"
	"github.com/kadirpekel/zonescribe/pkg/bus"
	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/config"
	"github.com/kadirpekel/zonescribe/pkg/lore"
	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/prompt"
	"github.com/kadirpekel/zonescribe/pkg/runtime"
	"github.com/kadirpekel/zonescribe/pkg/tokens"
)

// Job is one unit of research work for a single target entity.
type Job struct {
	ID           string
	TargetEntity string
	Depth        int
	BudgetTokens int
	CreatedAt    time.Time
}

// Kind classifies a step.
type Kind string

const (
	KindResearch   Kind = "research"   // LLM + tools
	KindExtraction Kind = "extraction" // LLM + schema
	KindTransform  Kind = "transform"  // no LLM
)

// Guard decides whether a step runs; a false result records the step as
// skipped without invoking the handler.
type Guard func(job *Job, cp *checkpoint.Checkpoint) bool

// Handler executes one step against the step context.
type Handler func(ctx context.Context, sc *StepContext) error

// Step is one named unit of the pipeline.
type Step struct {
	Name    string
	Kind    Kind
	Topic   string
	Guard   Guard
	Handler Handler
}

// AgentRunner is the slice of the agent runtime the engine needs.
type AgentRunner interface {
	Execute(ctx context.Context, run runtime.Run) (*runtime.Result, error)
}

// Compressor is the slice of the summarizer the engine needs.
type Compressor interface {
	SummarizeForExtraction(ctx context.Context, content, schemaHint string, maxOutputTokens int) string
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store     checkpoint.Store
	Publisher bus.Publisher
	Agent     AgentRunner
	Prompts   *prompt.Library
	Counter   *tokens.Counter
	Config    config.PipelineConfig
	AgentID   string

	// SummarizerFor builds a compressor whose LLM usage is reported to
	// onUsage, so each job's ledger sees the summarizer's spend.
	SummarizerFor func(onUsage func(model.Usage)) Compressor
}

// StepContext is the state a handler operates on.
type StepContext struct {
	Job        *Job
	Checkpoint *checkpoint.Checkpoint
	Ledger     *budget.Ledger
	Deps       *Deps

	// pkg is set by the terminal assemble step.
	pkg *lore.Package
}

// SetPackage records the assembled package for the engine to return.
func (sc *StepContext) SetPackage(p *lore.Package) {
	sc.pkg = p
}

// RunAgent wraps an agent run in the reserve → run → settle budget
// discipline. The reservation covers the prompt plus the configured
// expected completion; settle charges the provider-reported actual usage,
// including on runs that failed after spending tokens.
func (sc *StepContext) RunAgent(ctx context.Context, run runtime.Run) (*runtime.Result, error) {
	estimate := sc.Deps.Counter.Count(run.Prompt) + sc.Deps.Counter.Count(run.System) +
		sc.Deps.Config.ExpectedCompletion

	reservation, err := sc.Ledger.Reserve(estimate)
	if err != nil {
		return nil, err
	}

	result, err := sc.Deps.Agent.Execute(ctx, run)
	if result == nil {
		reservation.Release()
		return nil, err
	}

	reservation.Settle(result.Usage.TotalTokens)
	return result, err
}

// Summarizer builds the job-scoped compressor, charging its LLM usage to
// the job's ledger.
func (sc *StepContext) Summarizer() Compressor {
	if sc.Deps.SummarizerFor == nil {
		return nil
	}
	return sc.Deps.SummarizerFor(func(u model.Usage) {
		sc.Ledger.Charge(u.TotalTokens)
	})
}
