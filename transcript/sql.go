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

package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLRecorder stores transcript entries in a single table keyed by
// (session_id, seq). Entries are insert-only; the primary key rejects
// duplicate sequence numbers so ordering violations surface as errors
// instead of silent overwrites.
type SQLRecorder struct {
	db      *sql.DB
	dialect string
}

const createTranscriptTableSQL = `
CREATE TABLE IF NOT EXISTS arena_transcripts (
    session_id VARCHAR(255) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(64) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    task_state VARCHAR(32),
    payload TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, seq)
)`

// NewSQLRecorder initializes the schema and returns a recorder bound
// to db. The driver name selects the SQL dialect.
func NewSQLRecorder(db *sql.DB, driver string) (*SQLRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	dialect := driver
	if driver == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", driver)
	}

	r := &SQLRecorder{db: db, dialect: dialect}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return r, nil
}

func (r *SQLRecorder) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, createTranscriptTableSQL); err != nil {
		return fmt.Errorf("failed to create arena_transcripts table: %w", err)
	}
	return nil
}

// Append implements Recorder.
func (r *SQLRecorder) Append(ctx context.Context, e *Entry) error {
	query := `
INSERT INTO arena_transcripts (session_id, seq, role, kind, task_state, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	if r.dialect == "postgres" {
		query = `
INSERT INTO arena_transcripts (session_id, seq, role, kind, task_state, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	}

	_, err := r.db.ExecContext(ctx, query,
		e.SessionID, e.Seq, e.Role, e.Kind,
		string(e.TaskState), string(e.Payload), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return nil
}

// ReadAll implements Recorder.
func (r *SQLRecorder) ReadAll(ctx context.Context, sessionID string) ([]*Entry, error) {
	query := `
SELECT session_id, seq, role, kind, task_state, payload, created_at
FROM arena_transcripts
WHERE session_id = ?
ORDER BY seq
`
	if r.dialect == "postgres" {
		query = `
SELECT session_id, seq, role, kind, task_state, payload, created_at
FROM arena_transcripts
WHERE session_id = $1
ORDER BY seq
`
	}

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e       Entry
			state   sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Role, &e.Kind, &state, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript row: %w", err)
		}
		e.TaskState = a2a.TaskState(state.String)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return entries, nil
}

// Close closes the database connection.
func (r *SQLRecorder) Close() error {
	return r.db.Close()
}
