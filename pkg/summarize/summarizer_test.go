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

package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/prompt"
	"github.com/kadirpekel/zonescribe/pkg/tokens"
)

// fakeLLM scripts responses for summarizer tests. The zero-value token
// counter estimates ~4 chars per token, keeping the tests deterministic
// without an encoding download.
type fakeLLM struct {
	mu        sync.Mutex
	calls     int
	inFlight  int32
	maxSeen   int32
	delay     time.Duration
	fail      bool
	respond   func(call int, prompt string) string
	usageEach int
}

func (f *fakeLLM) Name() string { return "fake-model" }
func (f *fakeLLM) Close() error { return nil }

func (f *fakeLLM) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, current) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.fail {
		return nil, fmt.Errorf("provider unavailable")
	}

	text := "summary"
	if f.respond != nil {
		text = f.respond(call, req.Messages[0].Content)
	}

	return &model.Response{
		Text:  text,
		Usage: model.Usage{TotalTokens: f.usageEach},
	}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLibrary(t *testing.T) *prompt.Library {
	t.Helper()
	lib, err := prompt.NewLibrary("")
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib
}

func newTestSummarizer(t *testing.T, llm *fakeLLM, opts Options) *Summarizer {
	t.Helper()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 100
	}
	return New(llm, &tokens.Counter{}, testLibrary(t), opts)
}

// sized returns text estimating to exactly n tokens (4 chars per token).
func sized(n int) string {
	return strings.Repeat("abcd", n)
}

func TestBypassReturnsContentUnchanged(t *testing.T) {
	llm := &fakeLLM{}
	s := newTestSummarizer(t, llm, Options{})

	content := "# Header\n\nSome small content."
	out := s.Summarize(context.Background(), content, 1000, nil, "semantic")

	assert.Equal(t, content, out, "bypass must be byte-for-byte")
	assert.Equal(t, 0, llm.callCount(), "bypass must not call the LLM")
}

func TestBypassBoundary(t *testing.T) {
	llm := &fakeLLM{respond: func(int, string) string { return "short" }}
	s := newTestSummarizer(t, llm, Options{})

	counter := &tokens.Counter{}

	// Exactly target tokens: bypass
	content := sized(80)
	target := counter.Count(content)
	out := s.Summarize(context.Background(), content, target, nil, "semantic")
	assert.Equal(t, content, out)
	assert.Equal(t, 0, llm.callCount())

	// One over target: map-reduce path runs
	out = s.Summarize(context.Background(), content, target-1, nil, "semantic")
	assert.NotEqual(t, content, out)
	assert.Greater(t, llm.callCount(), 0)
}

func TestEmptyContentNoCall(t *testing.T) {
	llm := &fakeLLM{}
	s := newTestSummarizer(t, llm, Options{})

	out := s.Summarize(context.Background(), "", 100, nil, "semantic")
	assert.Equal(t, "", out)
	assert.Equal(t, 0, llm.callCount())
}

func TestMapReducePreservesChunkOrder(t *testing.T) {
	llm := &fakeLLM{
		respond: func(call int, promptText string) string {
			switch {
			case strings.Contains(promptText, "first marker"):
				return "SUMMARY-ONE"
			case strings.Contains(promptText, "second marker"):
				return "SUMMARY-TWO"
			default:
				return "SUMMARY-MERGE"
			}
		},
	}
	s := newTestSummarizer(t, llm, Options{ChunkSize: 120})

	content := "# One\n\n" + strings.Repeat("first marker text ", 25) +
		"\n\n# Two\n\n" + strings.Repeat("second marker text ", 25)

	out := s.Summarize(context.Background(), content, 100, nil, "semantic")

	posOne := strings.Index(out, "SUMMARY-ONE")
	posTwo := strings.Index(out, "SUMMARY-TWO")
	require.GreaterOrEqual(t, posOne, 0)
	require.GreaterOrEqual(t, posTwo, 0)
	assert.Less(t, posOne, posTwo, "reduce input must preserve chunk order")
}

func TestReducePassWhenJoinedTooLong(t *testing.T) {
	long := sized(150)
	llm := &fakeLLM{
		respond: func(call int, promptText string) string {
			if strings.Contains(promptText, "Merge the following") {
				return "merged"
			}
			return long
		},
	}
	s := newTestSummarizer(t, llm, Options{ChunkSize: 100})

	content := "# A\n\n" + sized(80) + "\n\n" + sized(80) + "\n\n# B\n\n" + sized(80) + "\n\n" + sized(80)
	out := s.Summarize(context.Background(), content, 60, nil, "semantic")

	assert.Equal(t, "merged", out)
}

func TestConcurrencyBounded(t *testing.T) {
	llm := &fakeLLM{
		delay:   50 * time.Millisecond,
		respond: func(int, string) string { return "s" },
	}
	s := newTestSummarizer(t, llm, Options{ChunkSize: 30, MaxConcurrent: 5})

	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "# Section %d\n\n%s\n\n", i, sized(25))
	}

	_ = s.Summarize(context.Background(), b.String(), 40, nil, "semantic")

	assert.Greater(t, llm.callCount(), 5, "expected enough chunks to exercise the bound")
	assert.LessOrEqual(t, llm.maxSeen, int32(5), "map phase exceeded the concurrency bound")
}

func TestGracefulDegradationOnPersistentFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff makes this test slow")
	}

	llm := &fakeLLM{fail: true}
	s := newTestSummarizer(t, llm, Options{ChunkSize: 100})

	content := "# H\n\n" + sized(80) + "\n\n" + sized(80)
	out := s.Summarize(context.Background(), content, 50, nil, "semantic")

	assert.Equal(t, content, out, "failure must return the input unchanged")
}

func TestSummarizeForExtractionUsesSchemaHint(t *testing.T) {
	var sawHint atomic.Bool
	llm := &fakeLLM{
		respond: func(call int, promptText string) string {
			if strings.Contains(promptText, "npc roster") {
				sawHint.Store(true)
			}
			return "s"
		},
	}
	s := newTestSummarizer(t, llm, Options{ChunkSize: 100})

	content := "# H\n\n" + sized(80) + "\n\n" + sized(80)
	_ = s.SummarizeForExtraction(context.Background(), content, "npc roster", 50)

	assert.True(t, sawHint.Load(), "schema hint must reach the chunk prompts")
}

func TestOnUsageReportsEveryCall(t *testing.T) {
	llm := &fakeLLM{usageEach: 7, respond: func(int, string) string { return "s" }}

	var total atomic.Int64
	s := New(llm, &tokens.Counter{}, testLibrary(t), Options{
		ChunkSize: 100,
		OnUsage:   func(u model.Usage) { total.Add(int64(u.TotalTokens)) },
	})

	content := "# H\n\n" + sized(80) + "\n\n" + sized(80)
	_ = s.Summarize(context.Background(), content, 50, nil, "semantic")

	calls := llm.callCount()
	require.Greater(t, calls, 0)
	assert.Equal(t, int64(calls*7), total.Load())
}

func TestBypassIdempotence(t *testing.T) {
	llm := &fakeLLM{}
	s := newTestSummarizer(t, llm, Options{})

	x := "small stable content"
	once := s.Summarize(context.Background(), x, 1000, nil, "semantic")
	twice := s.Summarize(context.Background(), once, 1000, nil, "semantic")

	assert.Equal(t, x, once)
	assert.Equal(t, once, twice)
	assert.Equal(t, 0, llm.callCount())
}
