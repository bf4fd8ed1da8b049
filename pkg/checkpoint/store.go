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

package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/zonescribe/pkg/config"
)

// ErrNotFound is returned by Load when no checkpoint exists for the job.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints. Save must be atomic: concurrent Loads observe
// either the previous or the new document, never a composite. Between two
// successful Saves for the same job, the later must win.
type Store interface {
	Load(ctx context.Context, jobID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, jobID string) error
	Close() error
}

// NewStore creates a store from config.
func NewStore(cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Dir)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend '%s'", cfg.Backend)
	}
}
