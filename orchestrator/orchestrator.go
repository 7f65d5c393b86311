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

// Package orchestrator drives one scripted evaluation session against a
// remote builder agent: it sequences turns, mediates clarification
// questions through a qa.Provider, applies timeout and retry policy,
// and records everything through a transcript.Recorder.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"

	"github.com/kadirpekel/arena/protocol"
	"github.com/kadirpekel/arena/qa"
	"github.com/kadirpekel/arena/scenario"
	"github.com/kadirpekel/arena/transcript"
)

// ErrAlreadyTerminal reports a cancellation request against a session
// that already reached Completed, Failed or Canceled.
var ErrAlreadyTerminal = errors.New("session already terminal")

// State is a session lifecycle state.
type State string

const (
	StatePending       State = "pending"
	StateRunning       State = "running"
	StateAwaitingInput State = "awaiting-input"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// legalEdges is the session state machine. A session never re-enters
// pending.
var legalEdges = map[State][]State{
	StatePending:       {StateRunning, StateFailed, StateCanceled},
	StateRunning:       {StateAwaitingInput, StateCompleted, StateFailed, StateCanceled},
	StateAwaitingInput: {StateRunning, StateFailed, StateCanceled},
}

// FailureTag classifies why a session ended Failed.
type FailureTag string

const (
	TagTransportError      FailureTag = "TransportError"
	TagProtocolError       FailureTag = "ProtocolError"
	TagTimeoutExceeded     FailureTag = "TimeoutExceeded"
	TagSessionTimeout      FailureTag = "SessionTimeout"
	TagUpstreamUnavailable FailureTag = "UpstreamUnavailable"
	TagUpstreamTimeout     FailureTag = "UpstreamTimeout"
	TagRecorderUnavailable FailureTag = "RecorderUnavailable"
	TagInvalidScenario     FailureTag = "InvalidScenario"
)

// Transcript roles beyond the scripted participant roles.
const (
	RoleQAProvider = "qa-provider"
	RoleEvaluator  = "evaluator"
	RoleSystem     = "system"
)

// StepResult is the outcome of one scripted step.
type StepResult struct {
	Index    int    `json:"index"`
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Passed   bool   `json:"passed"`
	Feedback string `json:"feedback"`
}

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID     string       `json:"session_id"`
	Scenario      string       `json:"scenario"`
	State         State        `json:"state"`
	Success       bool         `json:"success"`
	FailureTag    FailureTag   `json:"failure_tag,omitempty"`
	Turns         int          `json:"turns"`
	Questions     int          `json:"questions"`
	Retries       int          `json:"retries"`
	Accuracy      float64      `json:"accuracy"`
	Steps         []StepResult `json:"steps"`
	TranscriptRef string       `json:"transcript_ref,omitempty"`
}

// TurnInfo is passed to the OnTurn observer after each recorded turn.
type TurnInfo struct {
	Seq   int
	Role  string
	State a2a.TaskState
	Text  string
}

// DialFunc connects a protocol client to an agent endpoint. Injected so
// tests can substitute a fake client.
type DialFunc func(ctx context.Context, cfg protocol.Config) (protocol.Client, error)

// Config assembles a session's collaborators.
type Config struct {
	Scenario *scenario.Definition
	Recorder transcript.Recorder
	QA       qa.Provider

	// Dial defaults to protocol.Dial via the real wire client.
	Dial DialFunc

	// Streaming selects the protocol client's streaming path for
	// exchanges instead of submit-then-poll.
	Streaming bool

	// OnTurn, when set, observes every recorded turn. Called from the
	// session goroutine; must not block.
	OnTurn func(*TurnInfo)

	// TranscriptRef is attached to the outcome so graders can locate
	// the durable transcript.
	TranscriptRef string
}

// Session is one scenario execution. All turn sequencing happens on the
// goroutine that calls Run; State and Cancel are safe from others.
type Session struct {
	ID        string
	def       *scenario.Definition
	cfg       Config
	startedAt time.Time
	endedAt   time.Time

	mu    sync.Mutex
	state State

	cancelCh chan struct{}
	cancelMu sync.Mutex

	seq       int
	turns     int
	questions int
	retries   int
	recent    []string
	results   []StepResult
}

// New validates the scenario and constructs a pending session.
func New(cfg Config) (*Session, error) {
	if cfg.Scenario == nil {
		return nil, fmt.Errorf("%w: scenario is required", scenario.ErrInvalidScenario)
	}
	if err := cfg.Scenario.Validate(); err != nil {
		return nil, err
	}
	if cfg.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if cfg.QA == nil {
		cfg.QA = qa.NewDummy()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, pc protocol.Config) (protocol.Client, error) {
			return protocol.Dial(ctx, pc)
		}
	}

	return &Session{
		ID:       uuid.NewString(),
		def:      cfg.Scenario,
		cfg:      cfg,
		state:    StatePending,
		cancelCh: make(chan struct{}),
	}, nil
}

// SetTranscriptRef attaches the transcript locator reported in the
// outcome. Must be called before Run.
func (s *Session) SetTranscriptRef(ref string) {
	s.cfg.TranscriptRef = ref
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when Run began, zero before that.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// EndedAt returns when the session reached a terminal state.
func (s *Session) EndedAt() time.Time { return s.endedAt }

// Cancel requests cooperative cancellation. The session observes it at
// its next suspension point; in-flight protocol calls are allowed to
// finish. Returns ErrAlreadyTerminal after the session has ended.
func (s *Session) Cancel() error {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return ErrAlreadyTerminal
	}

	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	select {
	case <-s.cancelCh:
	default:
		close(s.cancelCh)
	}
	return nil
}

// canceled reports whether Cancel has been called. Checked only at
// suspension points.
func (s *Session) canceled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// transition moves the session along a legal edge.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, next := range legalEdges[s.state] {
		if next == to {
			s.state = to
			if to.Terminal() {
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", s.state, to)
}
