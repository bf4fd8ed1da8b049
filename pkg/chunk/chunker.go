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

// Package chunk splits text into token-bounded chunks.
//
// The semantic strategy splits at markdown structure first (ATX headers and
// horizontal rules), falls back to paragraph boundaries for oversized
// sections, and to fixed token windows for pathological single paragraphs.
// The most recent top-level header is carried into each new chunk so
// downstream summarization keeps its topical anchor. The token strategy
// uses fixed windows from the start.
package chunk

import (
	"regexp"
	"strings"

	"github.com/kadirpekel/zonescribe/pkg/tokens"
)

// Strategy selects the chunking algorithm.
type Strategy string

const (
	StrategySemantic Strategy = "semantic"
	StrategyToken    Strategy = "token"
)

// Config tunes a Chunker.
type Config struct {
	Strategy  Strategy
	ChunkSize int
	Overlap   int
}

// Chunker splits content into ordered chunks of at most ChunkSize tokens
// (single indivisible token runs excepted).
type Chunker struct {
	counter *tokens.Counter
	cfg     Config
}

var (
	atxHeaderRe      = regexp.MustCompile(`^#{1,4}\s`)
	topLevelHeaderRe = regexp.MustCompile(`^#{1,2}\s`)
	horizontalRuleRe = regexp.MustCompile(`^-{3,}\s*$`)
	paragraphSplitRe = regexp.MustCompile(`\n{2,}`)
)

// New creates a Chunker. An overlap >= chunk size is clamped to size-1 so
// token-window splitting always advances.
func New(counter *tokens.Counter, cfg Config) *Chunker {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySemantic
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4000
	}
	if cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = cfg.ChunkSize - 1
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	return &Chunker{counter: counter, cfg: cfg}
}

// Chunk splits content. Empty or whitespace-only input yields no chunks.
func (c *Chunker) Chunk(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	if c.cfg.Strategy == StrategyToken {
		return c.tokenWindows(content)
	}

	return c.semantic(content)
}

// section is a structural unit between markdown boundaries.
type section struct {
	text   string
	header string // top-level header opening this section, if any
}

func (c *Chunker) semantic(content string) []string {
	sections := splitSections(content)
	sep := c.counter.Count("\n\n")

	var chunks []string
	var current strings.Builder
	currentTokens := 0
	headerContext := ""

	headerCost := func() int {
		if headerContext == "" {
			return 0
		}
		return c.counter.Count(headerContext) + sep
	}
	needsHeader := func(piece string) bool {
		// Prepend the last seen top-level header for topical anchoring,
		// unless the chunk already starts with it.
		return headerContext != "" && !strings.HasPrefix(piece, headerContext)
	}

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			currentTokens = 0
		}
	}

	// addCost is the token cost of adding piece to the current chunk,
	// including the joining separator or the header prefix of a new chunk.
	addCost := func(piece string, pieceTokens int) int {
		if current.Len() == 0 {
			if needsHeader(piece) {
				return headerCost() + pieceTokens
			}
			return pieceTokens
		}
		return sep + pieceTokens
	}

	place := func(piece string, pieceTokens int) {
		if current.Len() == 0 {
			if needsHeader(piece) {
				current.WriteString(headerContext)
				current.WriteString("\n\n")
				currentTokens = headerCost()
			}
		} else {
			current.WriteString("\n\n")
			currentTokens += sep
		}
		current.WriteString(piece)
		currentTokens += pieceTokens
	}

	// pack fits piece into the current chunk, flushing first when full. A
	// piece that cannot fit even an empty chunk (header prefix included)
	// is emitted alone, token-windowed if it alone exceeds the size.
	pack := func(piece string, pieceTokens int) {
		if current.Len() > 0 && currentTokens+addCost(piece, pieceTokens) > c.cfg.ChunkSize {
			flush()
		}
		if currentTokens+addCost(piece, pieceTokens) > c.cfg.ChunkSize {
			if pieceTokens <= c.cfg.ChunkSize {
				chunks = append(chunks, piece)
				return
			}
			chunks = append(chunks, c.tokenWindows(piece)...)
			return
		}
		place(piece, pieceTokens)
	}

	for _, sec := range sections {
		if sec.header != "" {
			headerContext = sec.header
		}

		secTokens := c.counter.Count(sec.text)

		if secTokens > c.cfg.ChunkSize {
			// Oversized section: repack at paragraph boundaries; a
			// pathological single paragraph falls through pack to fixed
			// token windows.
			flush()
			for _, para := range paragraphSplitRe.Split(sec.text, -1) {
				para = strings.TrimSpace(para)
				if para == "" {
					continue
				}
				pack(para, c.counter.Count(para))
			}
			continue
		}

		pack(sec.text, secTokens)
	}
	flush()

	return chunks
}

// splitSections cuts content at ATX headers and horizontal rules, tagging
// each section with the top-level header that opens it.
func splitSections(content string) []section {
	lines := strings.Split(content, "\n")

	var sections []section
	var current []string
	currentHeader := ""

	emit := func() {
		text := strings.TrimRight(strings.Join(current, "\n"), "\n")
		if strings.TrimSpace(text) != "" {
			sections = append(sections, section{text: text, header: currentHeader})
		}
		current = nil
		currentHeader = ""
	}

	for _, line := range lines {
		if atxHeaderRe.MatchString(line) || horizontalRuleRe.MatchString(line) {
			emit()
			if topLevelHeaderRe.MatchString(line) {
				currentHeader = strings.TrimSpace(line)
			}
			if horizontalRuleRe.MatchString(line) {
				continue // rules are delimiters, not content
			}
		}
		current = append(current, line)
	}
	emit()

	return sections
}

// tokenWindows splits text into fixed windows of ChunkSize tokens with
// Overlap tokens of carryover.
func (c *Chunker) tokenWindows(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ids := c.counter.Encode(text)
	if len(ids) <= c.cfg.ChunkSize {
		return []string{text}
	}

	step := c.cfg.ChunkSize - c.cfg.Overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(ids); start += step {
		end := start + c.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, c.counter.Decode(ids[start:end]))
		if end == len(ids) {
			break
		}
	}

	return chunks
}
