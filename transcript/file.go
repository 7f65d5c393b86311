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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const conversationFile = "conversation.jsonl"

// FileRecorder stores transcripts as line-delimited JSON under
// <base>/<session id>/conversation.jsonl. Each Append is fsynced
// before returning so accepted entries survive a crash.
type FileRecorder struct {
	base string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileRecorder creates the base directory if needed.
func NewFileRecorder(base string) (*FileRecorder, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: transcript directory is required", ErrRecorderUnavailable)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return &FileRecorder{
		base:  base,
		files: make(map[string]*os.File),
	}, nil
}

// Append implements Recorder.
func (r *FileRecorder) Append(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.sessionFile(e.SessionID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return nil
}

// ReadAll implements Recorder.
func (r *FileRecorder) ReadAll(ctx context.Context, sessionID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(r.Path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	return entries, nil
}

// Close implements Recorder.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, id)
	}
	return firstErr
}

// Path returns the transcript file location for a session.
func (r *FileRecorder) Path(sessionID string) string {
	return filepath.Join(r.base, sessionID, conversationFile)
}

// sessionFile returns the open append handle for a session, creating
// the session directory on first use. Caller holds r.mu.
func (r *FileRecorder) sessionFile(sessionID string) (*os.File, error) {
	if f, ok := r.files[sessionID]; ok {
		return f, nil
	}

	dir := filepath.Join(r.base, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, conversationFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecorderUnavailable, err)
	}
	r.files[sessionID] = f
	return f, nil
}
