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

// Package summarize implements map-reduce text compression.
//
// Content under the target size bypasses the LLM entirely. Oversized
// content is chunked structurally, each chunk is summarized concurrently
// (bounded by a process-wide semaphore shared across jobs, as back-pressure
// on the provider), and the chunk summaries are merged with up to a few
// reduce passes. Any internal failure degrades gracefully: the original
// content is returned unchanged and a warning is logged, so the pipeline
// never fails on summarization.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/zonescribe/pkg/chunk"
	"github.com/kadirpekel/zonescribe/pkg/metrics"
	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/prompt"
	"github.com/kadirpekel/zonescribe/pkg/tokens"
)

const (
	// minPerChunkTokens floors the per-chunk output allotment.
	minPerChunkTokens = 500

	// map-phase retry schedule
	maxMapRetries = 3
	baseRetryWait = 2 * time.Second
	maxRetryWait  = 30 * time.Second

	chunkSeparator = "\n\n---\n\n"
)

// The map-phase semaphore is process-wide: concurrent summarizer
// invocations from different jobs share it. Sized on first use.
var (
	mapSemOnce sync.Once
	mapSem     *semaphore.Weighted
)

func mapSemaphore(limit int) *semaphore.Weighted {
	mapSemOnce.Do(func() {
		if limit <= 0 {
			limit = 5
		}
		mapSem = semaphore.NewWeighted(int64(limit))
	})
	return mapSem
}

// Options tunes a Summarizer.
type Options struct {
	ChunkSize       int
	Overlap         int
	MaxConcurrent   int
	MaxReducePasses int

	// OnUsage receives the usage report of every LLM call, for budget
	// settlement by the caller.
	OnUsage func(model.Usage)
}

// Summarizer compresses text to a target token size.
type Summarizer struct {
	llm     model.LLM
	counter *tokens.Counter
	prompts *prompt.Library
	opts    Options
}

// New creates a Summarizer.
func New(llm model.LLM, counter *tokens.Counter, prompts *prompt.Library, opts Options) *Summarizer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4000
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.MaxReducePasses <= 0 {
		opts.MaxReducePasses = 3
	}
	return &Summarizer{llm: llm, counter: counter, prompts: prompts, opts: opts}
}

// Summarize compresses content to at most maxOutputTokens tokens. Failures
// never propagate: the original content is returned unchanged.
func (s *Summarizer) Summarize(ctx context.Context, content string, maxOutputTokens int, focusAreas []string, strategy string) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Summarization panicked, returning content unchanged", "panic", r)
			result = content
		}
	}()

	out, err := s.run(ctx, content, maxOutputTokens, strategy, func(chunkText string, perChunk int) (string, error) {
		vars := map[string]string{
			"content":    chunkText,
			"max_tokens": fmt.Sprintf("%d", perChunk),
		}
		if len(focusAreas) > 0 {
			vars["focus_instructions"] = "Focus on: " + strings.Join(focusAreas, ", ") + "."
		}
		return s.prompts.Render("chunk_summary", vars)
	})
	if err != nil {
		slog.Warn("Summarization failed, returning content unchanged", "error", err)
		return content
	}
	return out
}

// SummarizeForExtraction compresses content while preserving detail
// relevant to a downstream extraction schema. Failures never propagate.
func (s *Summarizer) SummarizeForExtraction(ctx context.Context, content, schemaHint string, maxOutputTokens int) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Summarization panicked, returning content unchanged", "panic", r)
			result = content
		}
	}()

	out, err := s.run(ctx, content, maxOutputTokens, string(chunk.StrategySemantic), func(chunkText string, perChunk int) (string, error) {
		return s.prompts.Render("extraction_summary", map[string]string{
			"content":     chunkText,
			"schema_hint": schemaHint,
			"max_tokens":  fmt.Sprintf("%d", perChunk),
		})
	})
	if err != nil {
		slog.Warn("Extraction summarization failed, returning content unchanged", "error", err)
		return content
	}
	return out
}

// run is the map-reduce core shared by both entry points.
func (s *Summarizer) run(ctx context.Context, content string, target int, strategy string, renderChunkPrompt func(string, int) (string, error)) (string, error) {
	if target <= 0 {
		target = 4000
	}

	// Bypass: content already fits, byte-for-byte identity.
	if s.counter.Count(content) <= target {
		metrics.SummarizerBypasses.Inc()
		return content, nil
	}

	chunker := chunk.New(s.counter, chunk.Config{
		Strategy:  chunk.Strategy(strategy),
		ChunkSize: s.opts.ChunkSize,
		Overlap:   s.opts.Overlap,
	})
	chunks := chunker.Chunk(content)
	if len(chunks) == 0 {
		return content, nil
	}

	perChunk := target / len(chunks)
	if perChunk < minPerChunkTokens {
		perChunk = minPerChunkTokens
	}

	summaries, err := s.mapPhase(ctx, chunks, perChunk, renderChunkPrompt)
	if err != nil {
		return "", err
	}

	return s.reducePhase(ctx, summaries, target)
}

// mapPhase summarizes every chunk concurrently, preserving source order.
func (s *Summarizer) mapPhase(ctx context.Context, chunks []string, perChunk int, renderChunkPrompt func(string, int) (string, error)) ([]string, error) {
	sem := mapSemaphore(s.opts.MaxConcurrent)

	summaries := make([]string, len(chunks))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup

	for i, chunkText := range chunks {
		wg.Add(1)
		go func(i int, chunkText string) {
			defer wg.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				return
			}
			defer sem.Release(1)

			promptText, err := renderChunkPrompt(chunkText, perChunk)
			if err != nil {
				errs[i] = err
				return
			}

			metrics.SummarizerMapCalls.Inc()
			summaries[i], errs[i] = s.callWithRetry(ctx, promptText, perChunk)
		}(i, chunkText)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("map phase failed: %w", err)
		}
	}

	return summaries, nil
}

// reducePhase merges chunk summaries until they fit the target or the pass
// budget runs out. An overlong final result is returned as-is; the caller
// downstream handles overlong content.
func (s *Summarizer) reducePhase(ctx context.Context, summaries []string, target int) (string, error) {
	joined := strings.Join(summaries, chunkSeparator)

	for pass := 0; pass < s.opts.MaxReducePasses; pass++ {
		if s.counter.Count(joined) <= target {
			return joined, nil
		}

		promptText, err := s.prompts.Render("merge_summaries", map[string]string{
			"content":    joined,
			"max_tokens": fmt.Sprintf("%d", target),
		})
		if err != nil {
			return "", err
		}

		metrics.SummarizerReducePasses.Inc()
		merged, err := s.callWithRetry(ctx, promptText, target)
		if err != nil {
			return "", fmt.Errorf("reduce pass %d failed: %w", pass+1, err)
		}
		joined = merged
	}

	if s.counter.Count(joined) > target {
		slog.Debug("Summary still over target after final reduce pass",
			"tokens", s.counter.Count(joined), "target", target)
	}
	return joined, nil
}

// callWithRetry issues one LLM call with bounded exponential backoff.
func (s *Summarizer) callWithRetry(ctx context.Context, promptText string, maxTokens int) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= maxMapRetries; attempt++ {
		if attempt > 0 {
			wait := baseRetryWait << (attempt - 1)
			if wait > maxRetryWait {
				wait = maxRetryWait
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := s.llm.Generate(ctx, &model.Request{
			Messages:  []model.Message{{Role: "user", Content: promptText}},
			MaxTokens: maxTokens,
		})
		if err != nil {
			lastErr = err
			continue
		}

		if s.opts.OnUsage != nil {
			s.opts.OnUsage(resp.Usage)
		}
		return strings.TrimSpace(resp.Text), nil
	}

	return "", fmt.Errorf("summarization call failed after %d attempts: %w", maxMapRetries+1, lastErr)
}
