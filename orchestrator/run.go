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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/arena/protocol"
	"github.com/kadirpekel/arena/qa"
	"github.com/kadirpekel/arena/scenario"
	"github.com/kadirpekel/arena/transcript"
)

// Run drives the session to a terminal state and returns its outcome.
// It must be called exactly once, from a single goroutine; Cancel and
// State may be called concurrently.
func (s *Session) Run(ctx context.Context) (*Outcome, error) {
	if err := s.transition(StateRunning); err != nil {
		return nil, err
	}
	s.startedAt = time.Now()

	sessionCtx, cancel := context.WithTimeout(ctx, s.def.SessionTimeout)
	defer cancel()

	client, err := s.cfg.Dial(sessionCtx, protocol.Config{
		Endpoint: s.def.BuilderEndpoint(),
		Retry: protocol.RetryConfig{
			MaxAttempts:     s.def.Retry.MaxAttempts,
			InitialInterval: s.def.Retry.InitialInterval,
			MaxInterval:     s.def.Retry.MaxInterval,
		},
		OnRetry: s.onRetry(sessionCtx),
	})
	if err != nil {
		return s.fail(sessionCtx, err)
	}
	defer client.Close()

	var contextID string
	for i := range s.def.Steps {
		step := &s.def.Steps[i]

		if s.canceled() {
			return s.finishCanceled()
		}

		result, snap, err := s.runStep(sessionCtx, client, i, step, contextID)
		if err != nil {
			if errors.Is(err, errCancelObserved) {
				return s.finishCanceled()
			}
			return s.fail(sessionCtx, err)
		}
		s.results = append(s.results, *result)
		if snap != nil && snap.ContextID != "" {
			contextID = snap.ContextID
		}
	}

	if err := s.transition(StateCompleted); err != nil {
		return nil, err
	}
	return s.outcome(), nil
}

// errCancelObserved signals the run loop that cancellation was observed
// at a suspension point.
var errCancelObserved = errors.New("cancel observed")

// runStep performs one scripted exchange, looping through QA
// interjections until the builder produces a scorable reply.
func (s *Session) runStep(ctx context.Context, client protocol.Client, index int, step *scenario.Step, contextID string) (*StepResult, *protocol.TaskSnapshot, error) {
	opts, err := step.Options()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: step %d params: %v", scenario.ErrInvalidScenario, index, err)
	}

	text := step.Prompt
	if opts.TaskDescription != "" {
		text = opts.TaskDescription + "\n" + step.Prompt
	}
	msg := protocol.UserMessage(text, contextID)

	for {
		snap, err := s.exchange(ctx, client, msg)
		if err != nil {
			return nil, nil, err
		}
		if s.canceled() {
			if !snap.Terminal() {
				// Tidy the remote task before bailing out.
				if err := client.CancelTask(ctx, &protocol.TaskHandle{TaskID: snap.TaskID}); err != nil {
					slog.Warn("remote task cancel failed", "session", s.ID, "error", err)
				}
			}
			return nil, nil, errCancelObserved
		}
		if snap.ContextID != "" {
			contextID = snap.ContextID
		}

		reply := snap.Text()
		if err := s.recordTurn(ctx, step.Role, snap.State, reply); err != nil {
			return nil, nil, err
		}
		s.turns++

		action, content := scenario.ParseAction(reply)
		if action == scenario.ActionAsk || snap.State == a2a.TaskStateInputRequired {
			question := content
			if question == "" {
				question = reply
			}
			answer, err := s.askQA(ctx, question, step.Expect)
			if err != nil {
				return nil, nil, err
			}
			if s.canceled() {
				return nil, nil, errCancelObserved
			}
			if err := s.recordTurn(ctx, RoleQAProvider, snap.State, answer); err != nil {
				return nil, nil, err
			}
			s.questions++

			msg = protocol.UserMessage("Answer: "+answer, contextID)
			msg.TaskID = snap.TaskID
			continue
		}

		result := s.scoreStep(index, step, content, reply)
		if opts.Feedback {
			s.sendFeedback(ctx, client, snap, contextID, result.Feedback)
		}
		return result, snap, nil
	}
}

// exchange sends msg and waits for the remote task to settle, via the
// streaming path or submit-then-poll.
func (s *Session) exchange(ctx context.Context, client protocol.Client, msg *a2a.Message) (*protocol.TaskSnapshot, error) {
	if s.cfg.Streaming {
		return s.streamExchange(ctx, client, msg)
	}

	handle, err := client.Submit(ctx, msg)
	if err != nil {
		return nil, err
	}
	return client.AwaitState(ctx, handle, s.def.StepTimeout)
}

// streamExchange consumes the update stream until the task reaches a
// terminal or input-required state, bounded by the step timeout.
func (s *Session) streamExchange(ctx context.Context, client protocol.Client, msg *a2a.Message) (*protocol.TaskSnapshot, error) {
	streamCtx, cancel := context.WithTimeout(ctx, s.def.StepTimeout)
	defer cancel()

	var acc protocol.Accumulator
	for snap, err := range client.StreamUpdates(streamCtx, msg) {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, protocol.ErrTimeoutExceeded
			}
			return nil, err
		}
		acc.Add(snap)
		if snap.Terminal() || snap.State == a2a.TaskStateInputRequired {
			break
		}
	}
	merged := acc.Snapshot()
	if merged == nil {
		return nil, &protocol.ProtocolError{Op: "stream", Detail: "stream ended without events"}
	}
	return merged, nil
}

// askQA resolves one clarification question, applying the scenario's
// fallback policy on provider failure. A timed-out answer is treated as
// an upstream failure and routed through the same policy, never retried.
func (s *Session) askQA(ctx context.Context, question, target string) (string, error) {
	if err := s.transition(StateAwaitingInput); err != nil {
		return "", err
	}

	qaCtx, cancel := context.WithTimeout(ctx, s.def.QA.Timeout)
	resp, err := s.cfg.QA.Answer(qaCtx, &qa.Request{
		ID:       fmt.Sprintf("%s-q%d", s.ID, s.questions+1),
		Question: question,
		Target:   target,
		Context:  s.contextWindow(),
	})
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Session-level deadline or caller cancellation wins.
			return "", ctx.Err()
		}
		if recErr := s.recordEvent(ctx, "qa-failure", err.Error()); recErr != nil {
			return "", recErr
		}
		if s.def.QA.Fallback == scenario.FallbackAbort {
			return "", err
		}
		slog.Warn("qa provider failed, substituting canned answer",
			"session", s.ID, "error", err)
		resp = &qa.Response{Declined: true}
	}

	if err := s.transition(StateRunning); err != nil {
		return "", err
	}

	if resp.Declined || resp.Answer == "" {
		return s.def.QA.DeclineAnswer, nil
	}
	return resp.Answer, nil
}

// scoreStep compares the builder's reply with the step expectation.
func (s *Session) scoreStep(index int, step *scenario.Step, content, reply string) *StepResult {
	result := &StepResult{
		Index:    index,
		Prompt:   step.Prompt,
		Response: reply,
	}
	if step.Expect == "" {
		result.Passed = true
		result.Feedback = "Response recorded."
		return result
	}

	if scenario.Match(content, step.Expect) {
		result.Passed = true
		result.Feedback = fmt.Sprintf("Correct structure built. %s", step.Expect)
	} else {
		result.Feedback = fmt.Sprintf("Incorrect structure. Expected: %s, but got: %s", step.Expect, content)
	}
	return result
}

// sendFeedback delivers the per-step verdict back to the builder.
// Best effort: delivery failure is recorded but does not fail the
// session, since scoring already happened.
func (s *Session) sendFeedback(ctx context.Context, client protocol.Client, snap *protocol.TaskSnapshot, contextID, feedback string) {
	msg := protocol.UserMessage(feedback, contextID)
	msg.TaskID = snap.TaskID
	if _, err := client.Submit(ctx, msg); err != nil {
		slog.Warn("feedback delivery failed", "session", s.ID, "error", err)
		if recErr := s.recordEvent(ctx, "feedback-failure", err.Error()); recErr != nil {
			slog.Error("transcript append failed", "session", s.ID, "error", recErr)
		}
		return
	}
	if err := s.recordEvent(ctx, "feedback", feedback); err != nil {
		slog.Error("transcript append failed", "session", s.ID, "error", err)
	}
}

// recordTurn appends a conversation turn with the next sequence number.
func (s *Session) recordTurn(ctx context.Context, role string, state a2a.TaskState, text string) error {
	s.seq++
	entry := &transcript.Entry{
		SessionID: s.ID,
		Seq:       s.seq,
		Role:      role,
		Kind:      transcript.KindTurn,
		TaskState: state,
		Timestamp: time.Now(),
		Payload:   transcript.MarshalTurn(&transcript.TurnPayload{Text: text}),
	}
	if err := s.cfg.Recorder.Append(ctx, entry); err != nil {
		return err
	}

	s.recent = append(s.recent, fmt.Sprintf("%s: %s", role, text))
	if s.cfg.OnTurn != nil {
		s.cfg.OnTurn(&TurnInfo{Seq: s.seq, Role: role, State: state, Text: text})
	}
	return nil
}

// recordEvent appends a system event sharing the turn sequence counter.
func (s *Session) recordEvent(ctx context.Context, event, detail string) error {
	s.seq++
	return s.cfg.Recorder.Append(ctx, &transcript.Entry{
		SessionID: s.ID,
		Seq:       s.seq,
		Role:      RoleSystem,
		Kind:      transcript.KindEvent,
		Timestamp: time.Now(),
		Payload:   transcript.MarshalEvent(&transcript.EventPayload{Event: event, Detail: detail}),
	})
}

// onRetry records transport retries as transcript events. Invoked
// synchronously from the protocol client's retry loop, so it shares
// the single-writer sequence safely.
func (s *Session) onRetry(ctx context.Context) func(op string, err error, next time.Duration) {
	return func(op string, err error, next time.Duration) {
		s.retries++
		detail := fmt.Sprintf("%s: %v (next attempt in %s)", op, err, next)
		if recErr := s.recordEvent(ctx, "retry", detail); recErr != nil {
			slog.Error("transcript append failed", "session", s.ID, "error", recErr)
		}
	}
}

// contextWindow returns the most recent turns for a QA request.
func (s *Session) contextWindow() []string {
	n := s.def.QA.ContextTurns
	if n <= 0 || n >= len(s.recent) {
		return append([]string(nil), s.recent...)
	}
	return append([]string(nil), s.recent[len(s.recent)-n:]...)
}

// fail moves the session to Failed, recording the failure as a
// transcript event when the recorder still works.
func (s *Session) fail(sessionCtx context.Context, cause error) (*Outcome, error) {
	tag := s.classify(sessionCtx, cause)

	if tag != TagRecorderUnavailable {
		// Best effort; the session is failing anyway.
		if err := s.recordEvent(context.WithoutCancel(sessionCtx), string(tag), cause.Error()); err != nil {
			slog.Error("transcript append failed", "session", s.ID, "error", err)
		}
	}

	if err := s.transition(StateFailed); err != nil {
		return nil, err
	}

	out := s.outcome()
	out.FailureTag = tag
	slog.Error("session failed", "session", s.ID, "tag", tag, "error", cause)
	return out, nil
}

// classify maps an error to its failure tag. The session deadline wins
// over every per-turn condition.
func (s *Session) classify(sessionCtx context.Context, err error) FailureTag {
	if errors.Is(sessionCtx.Err(), context.DeadlineExceeded) {
		return TagSessionTimeout
	}
	switch {
	case errors.Is(err, protocol.ErrTimeoutExceeded):
		return TagTimeoutExceeded
	case errors.Is(err, qa.ErrUpstreamTimeout):
		return TagUpstreamTimeout
	case errors.Is(err, qa.ErrUpstreamUnavailable):
		return TagUpstreamUnavailable
	case errors.Is(err, transcript.ErrRecorderUnavailable):
		return TagRecorderUnavailable
	case errors.Is(err, scenario.ErrInvalidScenario):
		return TagInvalidScenario
	case protocol.IsProtocol(err):
		return TagProtocolError
	case errors.Is(err, context.DeadlineExceeded):
		return TagTimeoutExceeded
	default:
		return TagTransportError
	}
}

// finishCanceled moves the session to Canceled without appending
// further turns.
func (s *Session) finishCanceled() (*Outcome, error) {
	if err := s.transition(StateCanceled); err != nil {
		return nil, err
	}
	slog.Info("session canceled", "session", s.ID)
	return s.outcome(), nil
}

// outcome snapshots the session summary. Called once terminal.
func (s *Session) outcome() *Outcome {
	passed := 0
	for _, r := range s.results {
		if r.Passed {
			passed++
		}
	}
	accuracy := 0.0
	if len(s.def.Steps) > 0 {
		accuracy = float64(passed) / float64(len(s.def.Steps))
	}

	return &Outcome{
		SessionID:     s.ID,
		Scenario:      s.def.Name,
		State:         s.State(),
		Success:       s.State() == StateCompleted && passed == len(s.def.Steps),
		Turns:         s.turns,
		Questions:     s.questions,
		Retries:       s.retries,
		Accuracy:      accuracy,
		Steps:         s.results,
		TranscriptRef: s.cfg.TranscriptRef,
	}
}
