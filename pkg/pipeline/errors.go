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

	"github.com/kadirpekel/zonescribe/pkg/budget"
	"github.com/kadirpekel/zonescribe/pkg/httpclient"
	"github.com/kadirpekel/zonescribe/pkg/schema"
	"github.com/kadirpekel/zonescribe/pkg/tool"
)

// Error kinds recorded in checkpoints and events.
const (
	KindTransientTransport = "transient_transport"
	KindTransientRateLimit = "transient_rate_limit"
	KindTransientTimeout   = "transient_timeout"
	KindPermanentSchema    = "permanent_schema"
	KindPermanentBudget    = "permanent_budget"
	KindPermanentInternal  = "permanent_internal"

	// KindSchemaRepair marks a successful repair cycle in the error trail.
	// It is diagnostic only and never classifies a step outcome.
	KindSchemaRepair = "schema_repair"
)

// ErrPaused is returned by Run when a transient failure paused the job.
// The checkpoint is valid and the dispatcher may re-enqueue the job.
var ErrPaused = errors.New("job paused")

// StepError carries a classified step failure.
type StepError struct {
	Step string
	Kind string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsPermanentKind reports whether an error kind is terminal for the job.
func IsPermanentKind(kind string) bool {
	switch kind {
	case KindPermanentSchema, KindPermanentBudget, KindPermanentInternal:
		return true
	default:
		return false
	}
}

// Classify maps a step failure to an error kind. Unrecognized errors map
// to permanent_internal; the engine pauses on the first such strike for a
// step and fails on an immediate repeat.
func Classify(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientTimeout
	}

	var exhausted *budget.ExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, budget.ErrExhausted) {
		return KindPermanentBudget
	}

	var validationErr *schema.ValidationError
	if errors.As(err, &validationErr) {
		return KindPermanentSchema
	}

	var retryErr *httpclient.RetryableError
	if errors.As(err, &retryErr) {
		if retryErr.IsRateLimit() {
			return KindTransientRateLimit
		}
		return KindTransientTransport
	}

	var transportErr *tool.TransportError
	if errors.As(err, &transportErr) {
		return KindTransientTransport
	}

	return KindPermanentInternal
}
