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

// Package server exposes the evaluation orchestrator as a single
// protocol-compliant agent. An external grading client submits an
// evaluation request; the executor drives the session and reports the
// outcome as a result artifact.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/a2aproject/a2a-go/a2asrv/eventqueue"
	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/arena/observability"
	"github.com/kadirpekel/arena/orchestrator"
	"github.com/kadirpekel/arena/qa"
	"github.com/kadirpekel/arena/scenario"
	"github.com/kadirpekel/arena/transcript"
)

// EvalRequest is the inbound evaluation request body.
type EvalRequest struct {
	// Scenario names the scripted scenario to run.
	Scenario string `json:"scenario,omitempty"`

	// Participants maps roles to agent endpoints. A "builder" entry is
	// required.
	Participants map[string]string `json:"participants"`

	// Config carries per-request overrides (timeouts, streaming).
	Config map[string]any `json:"config,omitempty"`
}

// EvalResult is the summary embedded in the result artifact.
type EvalResult struct {
	Accuracy                   float64 `json:"accuracy"`
	AvgQuestionsPerInstruction float64 `json:"avg_questions_per_instruction"`
}

// evalOverrides are the recognized Config keys.
type evalOverrides struct {
	StepTimeout    string `mapstructure:"step_timeout"`
	SessionTimeout string `mapstructure:"session_timeout"`
	Streaming      bool   `mapstructure:"streaming"`
	Scenario       string `mapstructure:"scenario"`
}

// writeFunc abstracts the event queue so emission logic is testable
// without a live queue.
type writeFunc func(ctx context.Context, event a2a.Event) error

// ExecutorConfig assembles the executor's collaborators.
type ExecutorConfig struct {
	Registry *scenario.Registry
	Recorder transcript.Recorder
	QA       qa.Provider
	Metrics  *observability.Metrics

	// Dial overrides the protocol client constructor, for tests.
	Dial orchestrator.DialFunc

	// Streaming selects the streaming exchange path by default;
	// requests may override it.
	Streaming bool
}

// Executor implements a2asrv.AgentExecutor. Each Execute call runs one
// evaluation session to completion, emitting working-status updates per
// turn and a final result artifact.
type Executor struct {
	cfg ExecutorConfig

	mu       sync.Mutex
	sessions map[a2a.TaskID]*orchestrator.Session
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		cfg:      cfg,
		sessions: make(map[a2a.TaskID]*orchestrator.Session),
	}
}

// Execute implements a2asrv.AgentExecutor.
func (e *Executor) Execute(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	return e.execute(ctx, reqCtx, queue.Write)
}

// Cancel implements a2asrv.AgentExecutor. The session observes the
// cancellation cooperatively at its next suspension point.
func (e *Executor) Cancel(ctx context.Context, reqCtx *a2asrv.RequestContext, queue eventqueue.Queue) error {
	e.mu.Lock()
	sess := e.sessions[reqCtx.TaskID]
	e.mu.Unlock()

	if sess != nil {
		if err := sess.Cancel(); err != nil {
			return err
		}
	}

	event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
	event.Final = true
	return queue.Write(ctx, event)
}

func (e *Executor) execute(ctx context.Context, reqCtx *a2asrv.RequestContext, write writeFunc) error {
	msg := reqCtx.Message
	if msg == nil {
		return fmt.Errorf("message not provided")
	}

	if reqCtx.StoredTask == nil {
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateSubmitted, nil)
		if err := write(ctx, event); err != nil {
			return fmt.Errorf("failed to write submitted event: %w", err)
		}
	}

	req, overrides, err := e.parseRequest(msg)
	if err != nil {
		slog.Error("evaluation request rejected", "error", err)
		return write(ctx, failedStatusEvent(reqCtx, string(orchestrator.TagInvalidScenario), err.Error()))
	}

	def, err := e.resolveScenario(req, overrides)
	if err != nil {
		slog.Error("evaluation request rejected", "error", err)
		return write(ctx, failedStatusEvent(reqCtx, string(orchestrator.TagInvalidScenario), err.Error()))
	}

	streaming := e.cfg.Streaming
	if overrides != nil {
		if err := applyOverrides(def, overrides); err != nil {
			return write(ctx, failedStatusEvent(reqCtx, string(orchestrator.TagInvalidScenario), err.Error()))
		}
		streaming = streaming || overrides.Streaming
	}

	sess, err := orchestrator.New(orchestrator.Config{
		Scenario:  def,
		Recorder:  e.cfg.Recorder,
		QA:        e.cfg.QA,
		Dial:      e.cfg.Dial,
		Streaming: streaming,
		OnTurn: func(info *orchestrator.TurnInfo) {
			e.cfg.Metrics.RecordTurn()
			text := fmt.Sprintf("[turn %d] %s: %s", info.Seq, info.Role, info.Text)
			event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking,
				a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: text}))
			if err := write(ctx, event); err != nil {
				slog.Warn("turn status update dropped", "error", err)
			}
		},
	})
	if err != nil {
		return write(ctx, failedStatusEvent(reqCtx, string(orchestrator.TagInvalidScenario), err.Error()))
	}
	e.attachTranscriptRef(sess)

	e.mu.Lock()
	e.sessions[reqCtx.TaskID] = sess
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.sessions, reqCtx.TaskID)
		e.mu.Unlock()
	}()

	startMsg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx,
		a2a.TextPart{Text: fmt.Sprintf("Starting assessment of scenario %q.", def.Name)})
	if err := write(ctx, a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateWorking, startMsg)); err != nil {
		return err
	}

	out, err := sess.Run(ctx)
	if err != nil {
		slog.Error("session run aborted", "error", err)
		return write(ctx, failedStatusEvent(reqCtx, "internal", "evaluation could not run"))
	}

	e.cfg.Metrics.RecordSession(string(out.State), sess.EndedAt().Sub(sess.StartedAt()))
	e.cfg.Metrics.RecordQuestions(out.Questions)
	e.cfg.Metrics.RecordRetries(out.Retries)
	if out.FailureTag == orchestrator.TagRecorderUnavailable {
		e.cfg.Metrics.RecordRecorderError()
	}

	return e.emitOutcome(ctx, reqCtx, out, write)
}

// parseRequest parses the request body and its config overrides.
func (e *Executor) parseRequest(msg *a2a.Message) (*EvalRequest, *evalOverrides, error) {
	text := messageText(msg)
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("empty request body")
	}

	var req EvalRequest
	if err := json.Unmarshal([]byte(text), &req); err != nil {
		return nil, nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Participants) == 0 {
		return nil, nil, fmt.Errorf("participants are required")
	}

	overrides, err := decodeOverrides(req.Config)
	if err != nil {
		return nil, nil, err
	}
	return &req, overrides, nil
}

// resolveScenario picks the scenario named by the request, falling back
// to the config override and then to the sole registered scenario, and
// binds the requested participants in.
func (e *Executor) resolveScenario(req *EvalRequest, overrides *evalOverrides) (*scenario.Definition, error) {
	name := req.Scenario
	if name == "" && overrides != nil {
		name = overrides.Scenario
	}
	if name == "" {
		if names := e.cfg.Registry.Names(); len(names) == 1 {
			name = names[0]
		} else {
			return nil, fmt.Errorf("scenario name is required")
		}
	}

	base, err := e.cfg.Registry.Get(name)
	if err != nil {
		return nil, err
	}

	def := cloneDefinition(base)
	for role, endpoint := range req.Participants {
		def.Participants[role] = endpoint
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// attachTranscriptRef exposes the transcript locator for graders when
// the backend has an addressable one.
func (e *Executor) attachTranscriptRef(sess *orchestrator.Session) {
	if fr, ok := e.cfg.Recorder.(*transcript.FileRecorder); ok {
		sess.SetTranscriptRef(fr.Path(sess.ID))
	} else {
		sess.SetTranscriptRef(sess.ID)
	}
}

// emitOutcome writes the result artifact and the terminal status. Raw
// errors never cross this boundary; failures carry only the taxonomy
// tag and the transcript locator.
func (e *Executor) emitOutcome(ctx context.Context, reqCtx *a2asrv.RequestContext, out *orchestrator.Outcome, write writeFunc) error {
	result := EvalResult{Accuracy: out.Accuracy}
	if n := len(out.Steps); n > 0 {
		result.AvgQuestionsPerInstruction = float64(out.Questions) / float64(n)
	}

	payload := map[string]any{
		"session_id":     out.SessionID,
		"scenario":       out.Scenario,
		"state":          string(out.State),
		"success":        out.Success,
		"turns":          out.Turns,
		"questions":      out.Questions,
		"retries":        out.Retries,
		"result":         result,
		"transcript_ref": out.TranscriptRef,
	}
	if out.FailureTag != "" {
		payload["failure_tag"] = string(out.FailureTag)
	}

	summary, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	artifact := a2a.NewArtifactEvent(reqCtx,
		a2a.TextPart{Text: string(summary)},
		a2a.DataPart{Data: payload},
	)
	artifact.Artifact.Name = "Result"
	artifact.LastChunk = true
	if err := write(ctx, artifact); err != nil {
		return fmt.Errorf("failed to write result artifact: %w", err)
	}

	switch out.State {
	case orchestrator.StateCompleted:
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCompleted, nil)
		event.Final = true
		return write(ctx, event)
	case orchestrator.StateCanceled:
		event := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateCanceled, nil)
		event.Final = true
		return write(ctx, event)
	default:
		detail := fmt.Sprintf("transcript: %s", out.TranscriptRef)
		return write(ctx, failedStatusEvent(reqCtx, string(out.FailureTag), detail))
	}
}

func failedStatusEvent(reqCtx *a2asrv.RequestContext, tag, detail string) *a2a.TaskStatusUpdateEvent {
	text := fmt.Sprintf("evaluation failed: %s", tag)
	if detail != "" {
		text += " (" + detail + ")"
	}
	msg := a2a.NewMessageForTask(a2a.MessageRoleAgent, reqCtx, a2a.TextPart{Text: text})
	ev := a2a.NewStatusUpdateEvent(reqCtx, a2a.TaskStateFailed, msg)
	ev.Final = true
	return ev
}

func messageText(msg *a2a.Message) string {
	var sb strings.Builder
	for _, part := range msg.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

func decodeOverrides(cfg map[string]any) (*evalOverrides, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	var o evalOverrides
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &o,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid config overrides: %w", err)
	}
	return &o, nil
}

func applyOverrides(def *scenario.Definition, o *evalOverrides) error {
	if o.StepTimeout != "" {
		d, err := time.ParseDuration(o.StepTimeout)
		if err != nil {
			return fmt.Errorf("invalid step_timeout: %w", err)
		}
		def.StepTimeout = d
	}
	if o.SessionTimeout != "" {
		d, err := time.ParseDuration(o.SessionTimeout)
		if err != nil {
			return fmt.Errorf("invalid session_timeout: %w", err)
		}
		def.SessionTimeout = d
	}
	return def.Validate()
}

func cloneDefinition(base *scenario.Definition) *scenario.Definition {
	def := *base
	def.Participants = make(map[string]string, len(base.Participants))
	for role, endpoint := range base.Participants {
		def.Participants[role] = endpoint
	}
	def.Steps = append([]scenario.Step(nil), base.Steps...)
	return &def
}
