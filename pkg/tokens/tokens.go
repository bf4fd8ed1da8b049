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

// Package tokens provides accurate token counting via tiktoken.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model. Models without a known
// tiktoken encoding (Claude, Gemini) are approximated with cl100k_base.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Encode returns the token ids for text.
func (c *Counter) Encode(text string) []int {
	return c.encoding.Encode(text, nil, nil)
}

// Decode reconstructs text from token ids.
func (c *Counter) Decode(ids []int) string {
	return c.encoding.Decode(ids)
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate provides a rough token estimation (~4 characters per token) for
// when a Counter isn't available.
func Estimate(text string) int {
	return len(text) / 4
}
