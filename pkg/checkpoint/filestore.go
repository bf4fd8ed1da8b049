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
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists checkpoints as JSON documents, one file per job.
// Atomicity comes from writing a temp file in the same directory and
// renaming it over the target.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(jobID string) string {
	// Job ids are opaque strings; keep them filesystem-safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, jobID)
	return filepath.Join(s.dir, safe+".json")
}

// Load reads the checkpoint for a job.
func (s *FileStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", jobID, err)
	}
	return Deserialize(data)
}

// Save atomically replaces the stored document for the job.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.JobID == "" {
		return fmt.Errorf("checkpoint requires a job_id")
	}

	data, err := cp.Serialize()
	if err != nil {
		return err
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(s.dir, filepath.Base(s.path(cp.JobID))+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, s.path(cp.JobID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return nil
}

// Delete removes the checkpoint for a job. Missing documents are not an
// error.
func (s *FileStore) Delete(ctx context.Context, jobID string) error {
	if err := os.Remove(s.path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", jobID, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
