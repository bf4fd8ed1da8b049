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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/zonescribe/pkg/budget"
	"github.com/kadirpekel/zonescribe/pkg/bus"
	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/config"
	"github.com/kadirpekel/zonescribe/pkg/httpclient"
	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/prompt"
	"github.com/kadirpekel/zonescribe/pkg/runtime"
	"github.com/kadirpekel/zonescribe/pkg/schema"
	"github.com/kadirpekel/zonescribe/pkg/tokens"
	"github.com/kadirpekel/zonescribe/pkg/tool"
)

const researchAnswer = `{
	"summary": "compact findings",
	"content": ["a block of findings"],
	"sources": [{"uri": "https://wiki.example/zone", "tier": "primary"}]
}`

func validExtraction() map[string]any {
	return map[string]any{
		"zone_overview": map[string]any{
			"name": "Duskwood", "summary": "A dark forest.", "confidence": 0.9,
		},
		"npcs": map[string]any{
			"npcs":       []any{map[string]any{"name": "Watcher Selna", "faction": "Night Watch"}},
			"confidence": 0.8,
		},
		"factions": map[string]any{
			"factions":   []any{map[string]any{"name": "Night Watch"}},
			"confidence": 0.85,
		},
		"lore": map[string]any{
			"entries":    []any{map[string]any{"title": "The Fall", "body": "Long ago..."}},
			"confidence": 0.7,
		},
		"narrative_items": map[string]any{
			"items":      []any{map[string]any{"name": "Watcher's Lantern"}},
			"confidence": 0.6,
		},
	}
}

func validCrossReference() map[string]any {
	return map[string]any{
		"is_consistent": false,
		"conflicts": []any{
			map[string]any{"category": "npcs", "entity": "Ghost of Malren", "detail": "never extracted"},
		},
		"adjustments": map[string]any{"npcs": 0.5},
	}
}

// fakeAgent scripts the agent runtime for engine tests.
type fakeAgent struct {
	mu sync.Mutex

	researchTopics []string
	schemaNames    []string

	// failTopic/failErr make research runs on a topic fail.
	failTopic string
	failErr   error

	// failSchemaOnce makes the named schema fail validation on the first
	// attempt; failSchemaAlways on every attempt.
	failSchemaOnce   string
	failSchemaAlways string
	schemaFailures   int

	usagePerCall int
}

func (f *fakeAgent) topicOf(promptText string) string {
	for _, line := range strings.Split(promptText, "\n") {
		if strings.HasPrefix(line, "Topic: ") {
			return strings.TrimPrefix(line, "Topic: ")
		}
	}
	return ""
}

func (f *fakeAgent) Execute(ctx context.Context, run runtime.Run) (*runtime.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	usage := model.Usage{TotalTokens: f.usagePerCall}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = 100
	}

	if run.Schema == nil {
		topic := f.topicOf(run.Prompt)
		f.researchTopics = append(f.researchTopics, topic)
		if topic == f.failTopic && f.failErr != nil {
			return nil, f.failErr
		}
		return &runtime.Result{Text: researchAnswer, Usage: usage}, nil
	}

	name := run.Schema.Name
	f.schemaNames = append(f.schemaNames, name)

	shouldFail := name == f.failSchemaAlways ||
		(name == f.failSchemaOnce && f.schemaFailures == 0)
	if shouldFail {
		f.schemaFailures++
		return &runtime.Result{Usage: usage}, &schema.ValidationError{
			Schema: name,
			Issues: []string{"missing required field 'confidence'"},
			Raw:    `{"broken": true}`,
		}
	}

	switch name {
	case "zone_extraction":
		return &runtime.Result{Structured: validExtraction(), Usage: usage}, nil
	case "cross_reference":
		return &runtime.Result{Structured: validCrossReference(), Usage: usage}, nil
	case "zone_discovery":
		return &runtime.Result{Structured: map[string]any{"zones": []any{"Darkshire", "Duskwood"}}, Usage: usage}, nil
	default:
		return nil, fmt.Errorf("unexpected schema %s", name)
	}
}

func (f *fakeAgent) topicCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.researchTopics {
		if t == topic {
			n++
		}
	}
	return n
}

type fakeCompressor struct {
	called bool
}

func (f *fakeCompressor) SummarizeForExtraction(ctx context.Context, content, schemaHint string, maxOutputTokens int) string {
	f.called = true
	return "compressed notes"
}

type testEnv struct {
	engine     *Engine
	store      checkpoint.Store
	agent      *fakeAgent
	publisher  *bus.Recording
	compressor *fakeCompressor
	cfg        config.PipelineConfig
}

func newTestEnv(t *testing.T, agent *fakeAgent) *testEnv {
	t.Helper()

	store, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	prompts, err := prompt.NewLibrary("")
	require.NoError(t, err)
	t.Cleanup(func() { prompts.Close() })

	publisher := &bus.Recording{}
	compressor := &fakeCompressor{}

	cfg := config.PipelineConfig{
		MaxContentBlocks:    10,
		MaxIterations:       10,
		MinimumHeadroom:     2000,
		ExpectedCompletion:  500,
		ExtractTargetTokens: 4000,
		ResearchTimeout:     config.Duration(5 * time.Second),
		TransformTimeout:    config.Duration(5 * time.Second),
		DefaultBudgetTokens: 100_000,
	}

	deps := &Deps{
		Store:     store,
		Publisher: publisher,
		Agent:     agent,
		Prompts:   prompts,
		Counter:   &tokens.Counter{},
		Config:    cfg,
		AgentID:   "test-agent",
		SummarizerFor: func(onUsage func(model.Usage)) Compressor {
			return compressor
		},
	}

	return &testEnv{
		engine:     NewEngine(DefaultSteps(), deps, true),
		store:      store,
		agent:      agent,
		publisher:  publisher,
		compressor: compressor,
		cfg:        cfg,
	}
}

func job(id string, depth, budgetTokens int) *Job {
	return &Job{ID: id, TargetEntity: "Duskwood", Depth: depth, BudgetTokens: budgetTokens}
}

// S1: happy path, small content, depth 0.
func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	ctx := context.Background()

	pkg, err := env.engine.Run(ctx, job("j1", 0, 500_000))
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.Equal(t, "Duskwood", pkg.Zone)
	assert.Equal(t, "Duskwood", pkg.Extraction.ZoneOverview.Name)
	assert.Equal(t, []string{"https://wiki.example/zone"}, pkg.SourcesByTier["primary"])
	assert.False(t, pkg.CrossReference.IsConsistent)

	// Cross-reference lowered the npcs confidence
	assert.Equal(t, 0.5, pkg.ConfidenceByCategory["npcs"])
	assert.Equal(t, 0.9, pkg.ConfidenceByCategory["zone_overview"])

	cp, err := env.store.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Equal(t, len(cp.CompletedStepNames), cp.CurrentStepIndex)
	assert.Equal(t, []string{
		"zone_overview_research",
		"npc_research",
		"faction_research",
		"lore_research",
		"narrative_items_research",
		"extract_all",
		"cross_reference",
		"discover_connected_zones", // skipped at depth 0
		"package_and_send",
	}, cp.CompletedStepNames)

	// Small content never touches the summarizer
	assert.False(t, env.compressor.called)

	// Package published exactly once
	assert.Len(t, env.publisher.Packages(), 1)

	// Depth 0: discovery skipped, no child jobs, no discovery schema call
	assert.Empty(t, env.publisher.Jobs())
	assert.NotContains(t, env.agent.schemaNames, "zone_discovery")
}

func TestRunEventOrdering(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})

	_, err := env.engine.Run(context.Background(), job("j1", 0, 500_000))
	require.NoError(t, err)

	events := env.publisher.Events()
	var sequence []string
	for _, ev := range events {
		sequence = append(sequence, ev.Event+":"+ev.StepName)
	}

	expected := []string{
		"step_started:zone_overview_research", "step_completed:zone_overview_research",
		"step_started:npc_research", "step_completed:npc_research",
		"step_started:faction_research", "step_completed:faction_research",
		"step_started:lore_research", "step_completed:lore_research",
		"step_started:narrative_items_research", "step_completed:narrative_items_research",
		"step_started:extract_all", "step_completed:extract_all",
		"step_started:cross_reference", "step_completed:cross_reference",
		"step_completed:discover_connected_zones", // skipped: no step_started
		"step_started:package_and_send", "step_completed:package_and_send",
		"job_completed:",
	}
	assert.Equal(t, expected, sequence)

	for _, ev := range events {
		assert.Equal(t, "test-agent", ev.AgentID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

// S2 (reduced): oversized content routes through the summarizer.
func TestExtractRoutesThroughSummarizer(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	ctx := context.Background()

	// Pre-seed a checkpoint past the research steps with huge content.
	cp := checkpoint.New("j2")
	for _, step := range []string{
		"zone_overview_research", "npc_research", "faction_research",
		"lore_research", "narrative_items_research",
	} {
		cp.CompleteStep(step)
	}
	cp.AppendContent("lore", []string{strings.Repeat("long lore text ", 5000)}, 10)
	require.NoError(t, env.store.Save(ctx, cp))

	pkg, err := env.engine.Run(ctx, job("j2", 0, 500_000))
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.True(t, env.compressor.called, "oversized content must route through the summarizer")
}

// S3: crash after step 4, resume; completed steps never re-execute.
func TestResumeAfterTransientFailure(t *testing.T) {
	agent := &fakeAgent{
		failTopic: "narrative_items",
		failErr:   &tool.TransportError{Toolset: "crawler", Err: errors.New("connection refused")},
	}
	env := newTestEnv(t, agent)
	ctx := context.Background()

	// S4: transient failure pauses the job without advancing.
	_, err := env.engine.Run(ctx, job("j3", 0, 500_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaused))

	cp, err := env.store.Load(ctx, "j3")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)
	assert.Equal(t, 4, cp.CurrentStepIndex)
	require.NotEmpty(t, cp.Errors)
	assert.Equal(t, KindTransientTransport, cp.Errors[len(cp.Errors)-1].Kind)

	var sawTransientEvent bool
	for _, ev := range env.publisher.Events() {
		if ev.Event == bus.EventStepFailedTransient {
			sawTransientEvent = true
			assert.Equal(t, "narrative_items_research", ev.StepName)
			assert.Equal(t, KindTransientTransport, ev.ErrorKind)
		}
	}
	assert.True(t, sawTransientEvent)

	// Recover and resume: steps 1-4 are not re-executed.
	agent.mu.Lock()
	agent.failErr = nil
	agent.mu.Unlock()

	pkg, err := env.engine.Run(ctx, job("j3", 0, 500_000))
	require.NoError(t, err)
	require.NotNil(t, pkg)

	assert.Equal(t, 1, agent.topicCount("zone_overview"))
	assert.Equal(t, 1, agent.topicCount("npcs"))
	assert.Equal(t, 1, agent.topicCount("factions"))
	assert.Equal(t, 1, agent.topicCount("lore"))
	assert.Equal(t, 2, agent.topicCount("narrative_items")) // failed once, then succeeded
}

// S5: budget exhaustion detected at the next pre-flight gate.
func TestBudgetExhaustionFailsJob(t *testing.T) {
	agent := &fakeAgent{usagePerCall: 2500}
	env := newTestEnv(t, agent)
	ctx := context.Background()

	// Budget affords step 1 (pre-flight sees full headroom), but its usage
	// leaves less than the minimum headroom for step 2.
	_, err := env.engine.Run(ctx, job("j4", 0, 4000))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPaused))

	cp, err := env.store.Load(ctx, "j4")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 1, cp.CurrentStepIndex)
	require.NotEmpty(t, cp.Errors)
	assert.Equal(t, KindPermanentBudget, cp.Errors[len(cp.Errors)-1].Kind)

	// Only the first research step ran
	assert.Len(t, agent.researchTopics, 1)

	var sawJobFailed bool
	for _, ev := range env.publisher.Events() {
		if ev.Event == bus.EventJobFailed {
			sawJobFailed = true
			assert.Equal(t, KindPermanentBudget, ev.ErrorKind)
		}
	}
	assert.True(t, sawJobFailed)
}

// S6: schema repair succeeds on the second attempt.
func TestSchemaRepairSucceeds(t *testing.T) {
	agent := &fakeAgent{failSchemaOnce: "zone_extraction"}
	env := newTestEnv(t, agent)
	ctx := context.Background()

	pkg, err := env.engine.Run(ctx, job("j5", 0, 500_000))
	require.NoError(t, err)
	require.NotNil(t, pkg)

	cp, err := env.store.Load(ctx, "j5")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)

	var sawRepair bool
	for _, stepErr := range cp.Errors {
		if stepErr.Kind == KindSchemaRepair {
			sawRepair = true
			assert.Equal(t, "extract_all", stepErr.Step)
		}
	}
	assert.True(t, sawRepair, "repair cycle must be recorded in the error trail")

	// Extraction was attempted twice
	extractionCalls := 0
	for _, name := range agent.schemaNames {
		if name == "zone_extraction" {
			extractionCalls++
		}
	}
	assert.Equal(t, 2, extractionCalls)
}

func TestSchemaFailureAfterRepairIsPermanent(t *testing.T) {
	agent := &fakeAgent{failSchemaAlways: "zone_extraction"}
	env := newTestEnv(t, agent)
	ctx := context.Background()

	_, err := env.engine.Run(ctx, job("j6", 0, 500_000))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPaused))

	cp, err := env.store.Load(ctx, "j6")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 5, cp.CurrentStepIndex, "failed step must not advance")
	assert.Equal(t, KindPermanentSchema, cp.Errors[len(cp.Errors)-1].Kind)
}

func TestDiscoveryEnqueuesChildJobs(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	ctx := context.Background()

	_, err := env.engine.Run(ctx, job("j7", 2, 500_000))
	require.NoError(t, err)

	jobs := env.publisher.Jobs()
	require.Len(t, jobs, 1, "the target zone itself must not be re-enqueued")
	assert.Equal(t, "Darkshire", jobs[0].TargetEntity)
	assert.Equal(t, 1, jobs[0].Depth)
	assert.NotEmpty(t, jobs[0].JobID)

	// Child jobs get fresh default budgets, not the parent's remainder
	assert.Equal(t, env.cfg.DefaultBudgetTokens, jobs[0].BudgetTokens)
}

func TestUnclassifiedErrorPausesThenFails(t *testing.T) {
	agent := &fakeAgent{failTopic: "zone_overview", failErr: errors.New("nil pointer somewhere")}
	env := newTestEnv(t, agent)
	ctx := context.Background()

	// First strike: paused
	_, err := env.engine.Run(ctx, job("j8", 0, 500_000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaused))

	cp, err := env.store.Load(ctx, "j8")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)

	// Immediate repeat: failed
	_, err = env.engine.Run(ctx, job("j8", 0, 500_000))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPaused))

	cp, err = env.store.Load(ctx, "j8")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
}

func TestCompletedJobRebuildsPackageWithoutRerun(t *testing.T) {
	env := newTestEnv(t, &fakeAgent{})
	ctx := context.Background()

	_, err := env.engine.Run(ctx, job("j9", 0, 500_000))
	require.NoError(t, err)
	callsAfterFirst := len(env.agent.researchTopics) + len(env.agent.schemaNames)

	pkg, err := env.engine.Run(ctx, job("j9", 0, 500_000))
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, "Duskwood", pkg.Zone)

	assert.Equal(t, callsAfterFirst, len(env.agent.researchTopics)+len(env.agent.schemaNames),
		"a completed job must not invoke the agent again")
	assert.Len(t, env.publisher.Packages(), 1, "the package must not be re-published")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, KindTransientTimeout},
		{"wrapped_deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), KindTransientTimeout},
		{"budget", &budget.ExhaustedError{Budget: 10}, KindPermanentBudget},
		{"validation", &schema.ValidationError{Schema: "x"}, KindPermanentSchema},
		{"rate_limit", &httpclient.RetryableError{StatusCode: 429}, KindTransientRateLimit},
		{"server_error", &httpclient.RetryableError{StatusCode: 503}, KindTransientTransport},
		{"tool_transport", &tool.TransportError{Toolset: "search", Err: errors.New("x")}, KindTransientTransport},
		{"step_error_passthrough", &StepError{Step: "s", Kind: KindPermanentSchema}, KindPermanentSchema},
		{"unknown", errors.New("boom"), KindPermanentInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
