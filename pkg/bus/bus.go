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

// Package bus publishes pipeline status events, research packages, and
// child job requests to the external message bus.
//
// Delivery is best-effort: the pipeline's correctness never depends on it,
// and the engine swallows publish failures after logging them.
package bus

import (
	"context"
	"sync"
	"time"
)

// Event names emitted by the engine.
const (
	EventStepStarted         = "step_started"
	EventStepCompleted       = "step_completed"
	EventStepFailedTransient = "step_failed_transient"
	EventJobFailed           = "job_failed"
	EventJobCompleted        = "job_completed"
)

// Event is one structured status record.
type Event struct {
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	StepName  string `json:"step_name,omitempty"`
	StepIndex int    `json:"step_index,omitempty"`
	StepTotal int    `json:"step_total,omitempty"`

	DurationMS int64  `json:"duration_ms,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Message    string `json:"message,omitempty"`

	Metrics map[string]any `json:"metrics,omitempty"`
}

// JobRequest is a research job, as enqueued for the dispatcher.
type JobRequest struct {
	JobID        string `json:"job_id"`
	TargetEntity string `json:"target_entity_name"`
	Depth        int    `json:"depth"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Publisher delivers events, packages, and child jobs to the bus.
type Publisher interface {
	// Publish emits a status event. Fire-and-forget; errors are for logging.
	Publish(ctx context.Context, event Event) error

	// PublishPackage delivers a completed research package document.
	PublishPackage(ctx context.Context, pkg any) error

	// EnqueueJob pushes a child job request onto the dispatcher's queue.
	EnqueueJob(ctx context.Context, job JobRequest) error

	Close() error
}

// Nop is a Publisher that discards everything. Used for standalone runs.
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error       { return nil }
func (Nop) PublishPackage(ctx context.Context, pkg any) error    { return nil }
func (Nop) EnqueueJob(ctx context.Context, job JobRequest) error { return nil }
func (Nop) Close() error                                         { return nil }

// Recording captures everything in order. Used by tests.
type Recording struct {
	mu       sync.Mutex
	events   []Event
	packages []any
	jobs     []JobRequest
}

func (r *Recording) Publish(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recording) PublishPackage(ctx context.Context, pkg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages = append(r.packages, pkg)
	return nil
}

func (r *Recording) EnqueueJob(ctx context.Context, job JobRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *Recording) Close() error { return nil }

// Events returns the captured events in publish order.
func (r *Recording) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Packages returns the captured package documents.
func (r *Recording) Packages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.packages...)
}

// Jobs returns the captured child job requests.
func (r *Recording) Jobs() []JobRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JobRequest(nil), r.jobs...)
}
