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
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists checkpoints in a sqlite database, one row per job.
// The single-row upsert inside a transaction gives the required atomicity.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite checkpoint path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id     TEXT PRIMARY KEY,
		document   BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load reads the checkpoint for a job.
func (s *SQLiteStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	var document []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM checkpoints WHERE job_id = ?`, jobID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", jobID, err)
	}
	return Deserialize(document)
}

// Save atomically replaces the stored document for the job.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.JobID == "" {
		return fmt.Errorf("checkpoint requires a job_id")
	}

	data, err := cp.Serialize()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, document, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		cp.JobID, data, time.Now().UTC())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save checkpoint for %s: %w", cp.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint for %s: %w", cp.JobID, err)
	}
	return nil
}

// Delete removes the checkpoint for a job.
func (s *SQLiteStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", jobID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
