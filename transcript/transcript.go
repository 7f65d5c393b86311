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

// Package transcript persists the ordered record of an evaluation
// session: every conversation turn and every system event (retry,
// timeout, failure) in one gapless sequence. Two backends are
// provided, line-delimited JSON files and a SQL table.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/arena/config"
)

// ErrRecorderUnavailable reports that the backing store cannot accept
// writes. The orchestrator treats it as fatal for the session.
var ErrRecorderUnavailable = errors.New("transcript recorder unavailable")

// Entry kinds. Turns are conversation exchanges; events are system
// occurrences that share the same sequence counter.
const (
	KindTurn  = "turn"
	KindEvent = "event"
)

// Entry is one element of a session transcript.
type Entry struct {
	// SessionID identifies the evaluation session.
	SessionID string `json:"session_id"`

	// Seq is the position within the session, starting at 1 with no
	// gaps. Turns and events share the counter.
	Seq int `json:"seq"`

	// Role names the participant the entry belongs to ("builder",
	// "qa-provider") or "system" for events.
	Role string `json:"role"`

	// Kind is KindTurn or KindEvent.
	Kind string `json:"kind"`

	// TaskState is the remote task state observed when the entry was
	// recorded. Empty for system events with no associated task.
	TaskState a2a.TaskState `json:"task_state,omitempty"`

	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries the entry body: message text and artifacts for
	// turns, event detail for events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Recorder persists transcript entries.
type Recorder interface {
	// Append durably stores one entry. An entry that Append accepted
	// must survive a process crash.
	Append(ctx context.Context, e *Entry) error

	// ReadAll returns a session's entries ordered by Seq.
	ReadAll(ctx context.Context, sessionID string) ([]*Entry, error)

	// Close releases backing resources.
	Close() error
}

// New builds the recorder selected by cfg.
func New(cfg *config.Config) (Recorder, error) {
	switch cfg.TranscriptBackend {
	case config.TranscriptBackendFile, "":
		return NewFileRecorder(cfg.TranscriptDir)
	case config.TranscriptBackendSQL:
		driver := cfg.TranscriptDriver
		if driver == "sqlite" {
			// go-sqlite3 registers under "sqlite3".
			driver = "sqlite3"
		}
		db, err := sql.Open(driver, cfg.TranscriptDSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
		}
		return NewSQLRecorder(db, driver)
	default:
		return nil, fmt.Errorf("unknown transcript backend: %s", cfg.TranscriptBackend)
	}
}

// TurnPayload is the payload body recorded for conversation turns.
type TurnPayload struct {
	Text      string   `json:"text"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// EventPayload is the payload body recorded for system events.
type EventPayload struct {
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// MarshalTurn encodes a turn payload.
func MarshalTurn(p *TurnPayload) json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

// MarshalEvent encodes an event payload.
func MarshalEvent(p *EventPayload) json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}
