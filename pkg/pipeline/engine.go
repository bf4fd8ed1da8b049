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
	"log/slog"
	"time"

	"github.com/kadirpekel/zonescribe/pkg/budget"
	"github.com/kadirpekel/zonescribe/pkg/bus"
	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/config"
	"github.com/kadirpekel/zonescribe/pkg/lore"
	"github.com/kadirpekel/zonescribe/pkg/metrics"
)

// Engine drives jobs through the step sequence.
type Engine struct {
	steps           []Step
	deps            *Deps
	retainCompleted bool
}

// NewEngine creates an engine over a step sequence.
func NewEngine(steps []Step, deps *Deps, retainCompleted bool) *Engine {
	return &Engine{steps: steps, deps: deps, retainCompleted: retainCompleted}
}

// Run drives a job to completion. Idempotent with respect to job id:
// re-invocation resumes from the persisted cursor and never re-executes a
// completed step. A transient failure returns ErrPaused with a valid
// checkpoint behind it; a permanent failure marks the checkpoint failed.
func (e *Engine) Run(ctx context.Context, job *Job) (*lore.Package, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if job.BudgetTokens <= 0 {
		job.BudgetTokens = e.deps.Config.DefaultBudgetTokens
	}

	cp, err := e.deps.Store.Load(ctx, job.ID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = checkpoint.New(job.ID)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", job.ID, err)
	}

	switch cp.Status {
	case checkpoint.StatusCompleted:
		// Already done; rebuild the package from the retained checkpoint.
		return BuildPackage(job, cp)
	case checkpoint.StatusFailed:
		return nil, fmt.Errorf("job %s already failed terminally", job.ID)
	}
	cp.Status = checkpoint.StatusRunning

	ledger := budget.NewLedger(job.BudgetTokens)
	if cp.TokensUsed > 0 {
		ledger.Charge(cp.TokensUsed)
	}

	sc := &StepContext{
		Job:        job,
		Checkpoint: cp,
		Ledger:     ledger,
		Deps:       e.deps,
	}

	slog.Info("Running job",
		"job_id", job.ID,
		"target", job.TargetEntity,
		"resume_from", cp.CurrentStepIndex,
		"budget", job.BudgetTokens)

	for cp.CurrentStepIndex < len(e.steps) {
		step := e.steps[cp.CurrentStepIndex]

		if step.Guard != nil && !step.Guard(job, cp) {
			cp.CompleteStep(step.Name)
			cp.TokensUsed = ledger.Used()
			if err := e.save(ctx, cp); err != nil {
				return nil, e.storeFailure(ctx, cp, step.Name, err)
			}
			metrics.StepsTotal.WithLabelValues(step.Name, "skipped").Inc()
			e.publish(ctx, bus.Event{
				Event:     bus.EventStepCompleted,
				JobID:     job.ID,
				StepName:  step.Name,
				StepIndex: cp.CurrentStepIndex - 1,
				StepTotal: len(e.steps),
				Metrics:   map[string]any{"skipped": true},
			})
			continue
		}

		e.publish(ctx, bus.Event{
			Event:     bus.EventStepStarted,
			JobID:     job.ID,
			StepName:  step.Name,
			StepIndex: cp.CurrentStepIndex,
			StepTotal: len(e.steps),
		})

		// Pre-flight budget gate: no LLM call is issued for a step that
		// cannot afford its minimum headroom.
		if ledger.Remaining() < e.deps.Config.MinimumHeadroom {
			err := &StepError{Step: step.Name, Kind: KindPermanentBudget,
				Err: fmt.Errorf("remaining budget %d below minimum headroom %d",
					ledger.Remaining(), e.deps.Config.MinimumHeadroom)}
			return nil, e.failJob(ctx, cp, step.Name, KindPermanentBudget, err)
		}

		start := time.Now()
		tokensBefore := ledger.Used()
		sourcesBefore, bytesBefore := e.accumulationTotals(cp)

		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(step))
		err := step.Handler(stepCtx, sc)
		cancel()

		cp.TokensUsed = ledger.Used()

		if err != nil {
			kind := Classify(err)
			if kind == KindPermanentInternal && !e.isRepeatInternal(cp, step.Name) {
				// Unclassified errors pause on first strike and fail on an
				// immediate repeat.
				cp.RecordError(step.Name, KindPermanentInternal, err.Error())
				return nil, e.pauseJob(ctx, cp, step.Name, KindPermanentInternal, err)
			}
			if IsPermanentKind(kind) {
				return nil, e.failJob(ctx, cp, step.Name, kind, err)
			}
			cp.RecordError(step.Name, kind, err.Error())
			return nil, e.pauseJob(ctx, cp, step.Name, kind, err)
		}

		cp.CompleteStep(step.Name)
		if err := e.save(ctx, cp); err != nil {
			return nil, e.storeFailure(ctx, cp, step.Name, err)
		}

		duration := time.Since(start)
		sourcesAfter, bytesAfter := e.accumulationTotals(cp)
		stepTokens := ledger.Used() - tokensBefore

		metrics.StepsTotal.WithLabelValues(step.Name, "completed").Inc()
		metrics.StepDuration.WithLabelValues(step.Name).Observe(duration.Seconds())
		metrics.TokensCharged.Add(float64(stepTokens))

		e.publish(ctx, bus.Event{
			Event:      bus.EventStepCompleted,
			JobID:      job.ID,
			StepName:   step.Name,
			StepIndex:  cp.CurrentStepIndex - 1,
			StepTotal:  len(e.steps),
			DurationMS: duration.Milliseconds(),
			TokensUsed: stepTokens,
			Metrics: map[string]any{
				"sources_added":       sourcesAfter - sourcesBefore,
				"content_bytes_added": bytesAfter - bytesBefore,
			},
		})

		slog.Info("Step completed",
			"job_id", job.ID,
			"step", step.Name,
			"duration_ms", duration.Milliseconds(),
			"tokens", stepTokens)
	}

	cp.Status = checkpoint.StatusCompleted
	cp.TokensUsed = ledger.Used()
	if err := e.save(ctx, cp); err != nil {
		return nil, e.storeFailure(ctx, cp, "finalize", err)
	}

	if !e.retainCompleted {
		if err := e.deps.Store.Delete(ctx, job.ID); err != nil {
			slog.Warn("Failed to delete completed checkpoint", "job_id", job.ID, "error", err)
		}
	}

	pkg := sc.pkg
	if pkg == nil {
		pkg, err = BuildPackage(job, cp)
		if err != nil {
			return nil, err
		}
	}

	e.publish(ctx, bus.Event{
		Event:      bus.EventJobCompleted,
		JobID:      job.ID,
		TokensUsed: cp.TokensUsed,
		Message:    fmt.Sprintf("research package for %s assembled", job.TargetEntity),
		Metrics:    map[string]any{"steps": len(cp.CompletedStepNames)},
	})

	return pkg, nil
}

// stepTimeout picks the per-step bound by kind.
func (e *Engine) stepTimeout(step Step) time.Duration {
	switch step.Kind {
	case KindTransform:
		return e.deps.Config.TransformTimeout.Std()
	default:
		return e.deps.Config.ResearchTimeout.Std()
	}
}

// isRepeatInternal reports whether the most recent recorded error for the
// step was already an unclassified internal one.
func (e *Engine) isRepeatInternal(cp *checkpoint.Checkpoint, stepName string) bool {
	last, ok := cp.LastErrorFor(stepName)
	return ok && last.Kind == KindPermanentInternal
}

// pauseJob persists a paused checkpoint without advancing the cursor.
func (e *Engine) pauseJob(ctx context.Context, cp *checkpoint.Checkpoint, stepName, kind string, cause error) error {
	cp.Status = checkpoint.StatusPaused
	if err := e.save(ctx, cp); err != nil {
		slog.Error("Failed to persist paused checkpoint", "job_id", cp.JobID, "error", err)
	}

	metrics.StepsTotal.WithLabelValues(stepName, "failed_transient").Inc()
	e.publish(ctx, bus.Event{
		Event:     bus.EventStepFailedTransient,
		JobID:     cp.JobID,
		StepName:  stepName,
		ErrorKind: kind,
		Message:   cause.Error(),
	})

	slog.Warn("Job paused on transient failure",
		"job_id", cp.JobID, "step", stepName, "kind", kind, "error", cause)

	return fmt.Errorf("%w: step %s (%s): %v", ErrPaused, stepName, kind, cause)
}

// failJob persists a terminally failed checkpoint.
func (e *Engine) failJob(ctx context.Context, cp *checkpoint.Checkpoint, stepName, kind string, cause error) error {
	cp.Status = checkpoint.StatusFailed
	cp.RecordError(stepName, kind, cause.Error())
	if err := e.save(ctx, cp); err != nil {
		slog.Error("Failed to persist failed checkpoint", "job_id", cp.JobID, "error", err)
	}

	metrics.StepsTotal.WithLabelValues(stepName, "failed_permanent").Inc()
	e.publish(ctx, bus.Event{
		Event:     bus.EventJobFailed,
		JobID:     cp.JobID,
		StepName:  stepName,
		ErrorKind: kind,
		Message:   cause.Error(),
	})

	slog.Error("Job failed",
		"job_id", cp.JobID, "step", stepName, "kind", kind, "error", cause)

	return fmt.Errorf("job %s failed at step %s (%s): %w", cp.JobID, stepName, kind, cause)
}

// storeFailure handles a checkpoint save that kept failing: the engine must
// not advance, so the job is left for the dispatcher to retry against the
// pre-step document.
func (e *Engine) storeFailure(ctx context.Context, cp *checkpoint.Checkpoint, stepName string, cause error) error {
	metrics.StepsTotal.WithLabelValues(stepName, "failed_transient").Inc()
	e.publish(ctx, bus.Event{
		Event:     bus.EventStepFailedTransient,
		JobID:     cp.JobID,
		StepName:  stepName,
		ErrorKind: KindTransientTransport,
		Message:   cause.Error(),
	})

	slog.Error("Checkpoint save failed, not advancing",
		"job_id", cp.JobID, "step", stepName, "error", cause)

	return fmt.Errorf("%w: checkpoint save failed at step %s: %v", ErrPaused, stepName, cause)
}

// save persists the checkpoint with bounded retries and backoff.
func (e *Engine) save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	var lastErr error
	for attempt := 0; attempt < config.DefaultCheckpointSaveRetry; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		cp.UpdatedAt = time.Now().UTC()
		if lastErr = e.deps.Store.Save(ctx, cp); lastErr == nil {
			return nil
		}
		slog.Warn("Checkpoint save attempt failed",
			"job_id", cp.JobID, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// publish emits a status event; failures are logged and suppressed.
func (e *Engine) publish(ctx context.Context, event bus.Event) {
	event.AgentID = e.deps.AgentID
	event.Timestamp = time.Now().UTC()
	if err := e.deps.Publisher.Publish(ctx, event); err != nil {
		slog.Warn("Status publish failed", "event", event.Event, "job_id", event.JobID, "error", err)
	}
}

func (e *Engine) accumulationTotals(cp *checkpoint.Checkpoint) (sources, bytes int) {
	for _, list := range cp.AccumulatedSources {
		sources += len(list)
	}
	for _, blocks := range cp.AccumulatedContent {
		for _, b := range blocks {
			bytes += len(b)
		}
	}
	return sources, bytes
}
