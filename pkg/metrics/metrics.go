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

// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsTotal counts step executions by step name and outcome
	// (completed, skipped, failed_transient, failed_permanent).
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zonescribe",
		Subsystem: "pipeline",
		Name:      "steps_total",
		Help:      "Pipeline step executions by outcome.",
	}, []string{"step", "outcome"})

	// StepDuration observes wall-clock step duration.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zonescribe",
		Subsystem: "pipeline",
		Name:      "step_duration_seconds",
		Help:      "Pipeline step duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"step"})

	// TokensCharged counts tokens settled against job budgets.
	TokensCharged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonescribe",
		Subsystem: "budget",
		Name:      "tokens_charged_total",
		Help:      "Tokens charged against job budgets.",
	})

	// SummarizerMapCalls counts map-phase chunk summarization calls.
	SummarizerMapCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonescribe",
		Subsystem: "summarizer",
		Name:      "map_calls_total",
		Help:      "Map-phase chunk summarization LLM calls.",
	})

	// SummarizerReducePasses counts reduce-phase merge calls.
	SummarizerReducePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonescribe",
		Subsystem: "summarizer",
		Name:      "reduce_passes_total",
		Help:      "Reduce-phase merge LLM calls.",
	})

	// SummarizerBypasses counts calls returned unchanged without an LLM call.
	SummarizerBypasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonescribe",
		Subsystem: "summarizer",
		Name:      "bypasses_total",
		Help:      "Summarization calls that fit the target and bypassed the LLM.",
	})
)
