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

// Package protocol implements the A2A wire interaction with one remote
// agent: message submission, task-state awaiting and streaming updates.
//
// The client is stateless between calls apart from connection pooling;
// conversation continuity (context id) is owned by the caller and
// carried on the messages it builds.
package protocol

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
	"github.com/cenkalti/backoff/v5"
)

// TaskHandle identifies a submitted task on the remote agent.
type TaskHandle struct {
	TaskID a2a.TaskID
}

// TaskSnapshot is one observed state of a remote task.
type TaskSnapshot struct {
	TaskID    a2a.TaskID
	ContextID string
	State     a2a.TaskState
	Message   *a2a.Message
	Artifacts []*a2a.Artifact

	// Append marks a streamed artifact chunk that extends a previously
	// seen artifact with the same ID instead of replacing it.
	Append bool
}

// Text concatenates the text parts of the snapshot's artifacts and
// status message, artifacts first, the way the remote reply is read.
func (s *TaskSnapshot) Text() string {
	var sb strings.Builder
	for _, artifact := range s.Artifacts {
		writeTextParts(&sb, artifact.Parts)
	}
	if s.Message != nil {
		writeTextParts(&sb, s.Message.Parts)
	}
	return sb.String()
}

// Terminal reports whether the snapshot's state ends the task.
func (s *TaskSnapshot) Terminal() bool {
	return s.State.Terminal()
}

func writeTextParts(sb *strings.Builder, parts a2a.ContentParts) {
	for _, part := range parts {
		if tp, ok := part.(a2a.TextPart); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tp.Text)
		}
	}
}

// Client is the capability contract the orchestrator drives one remote
// agent through.
type Client interface {
	// Submit sends a message and returns a handle to the created task.
	Submit(ctx context.Context, msg *a2a.Message) (*TaskHandle, error)

	// AwaitState blocks until the remote task reaches a terminal or
	// input-required state, or the timeout elapses. Timeout surfaces as
	// ErrTimeoutExceeded, distinct from transport failure.
	AwaitState(ctx context.Context, handle *TaskHandle, timeout time.Duration) (*TaskSnapshot, error)

	// StreamUpdates sends a message and yields incremental snapshots
	// until the task reaches a terminal state. The sequence is finite
	// and not restartable; replay belongs to the transcript.
	StreamUpdates(ctx context.Context, msg *a2a.Message) iter.Seq2[*TaskSnapshot, error]

	// CancelTask requests cancellation of a remote task.
	CancelTask(ctx context.Context, handle *TaskHandle) error

	// Close releases the underlying connections.
	Close() error
}

// RetryConfig bounds transport-error retries. Protocol errors are never
// retried.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config configures an AgentClient.
type Config struct {
	// Endpoint is the base URL of the remote A2A agent; the agent card
	// is resolved from its well-known path.
	Endpoint string

	// Retry applies to Submit and to polling inside AwaitState.
	Retry RetryConfig

	// PollInterval is the GetTask polling cadence inside AwaitState.
	// Default 250ms.
	PollInterval time.Duration

	// OnRetry observes transport retries, for transcript system events.
	OnRetry func(op string, err error, next time.Duration)
}

// AgentClient implements Client over a2aclient.
type AgentClient struct {
	cfg    Config
	card   *a2a.AgentCard
	client *a2aclient.Client
}

// Dial resolves the agent card at the endpoint and constructs a client.
func Dial(ctx context.Context, cfg Config) (*AgentClient, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 5 * time.Second
	}

	card, err := agentcard.DefaultResolver.Resolve(ctx, cfg.Endpoint)
	if err != nil {
		return nil, classify("resolve card", err)
	}

	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, classify("create client", err)
	}

	return &AgentClient{cfg: cfg, card: card, client: client}, nil
}

// Card returns the resolved agent card.
func (c *AgentClient) Card() *a2a.AgentCard { return c.card }

// Submit implements Client. Transport errors are retried with bounded
// exponential backoff; protocol errors fail immediately.
func (c *AgentClient) Submit(ctx context.Context, msg *a2a.Message) (*TaskHandle, error) {
	params := &a2a.MessageSendParams{Message: msg}

	return retry(ctx, c.cfg, "submit", func() (*TaskHandle, error) {
		result, err := c.client.SendMessage(ctx, params)
		if err != nil {
			return nil, classify("submit", err)
		}
		info := result.TaskInfo()
		if info.TaskID == "" {
			return nil, &ProtocolError{Op: "submit", Detail: "response carries no task id"}
		}
		return &TaskHandle{TaskID: info.TaskID}, nil
	})
}

// AwaitState implements Client.
func (c *AgentClient) AwaitState(ctx context.Context, handle *TaskHandle, timeout time.Duration) (*TaskSnapshot, error) {
	deadline := time.Now().Add(timeout)

	for {
		snapshot, err := c.pollTask(ctx, handle)
		if err != nil {
			return nil, err
		}
		if snapshot.Terminal() || snapshot.State == a2a.TaskStateInputRequired {
			return snapshot, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeoutExceeded
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *AgentClient) pollTask(ctx context.Context, handle *TaskHandle) (*TaskSnapshot, error) {
	return retry(ctx, c.cfg, "await state", func() (*TaskSnapshot, error) {
		task, err := c.client.GetTask(ctx, &a2a.TaskQueryParams{ID: handle.TaskID})
		if err != nil {
			return nil, classify("await state", err)
		}
		if task == nil {
			return nil, &ProtocolError{Op: "await state", Detail: "empty task response"}
		}
		return snapshotFromTask(task), nil
	})
}

// StreamUpdates implements Client.
func (c *AgentClient) StreamUpdates(ctx context.Context, msg *a2a.Message) iter.Seq2[*TaskSnapshot, error] {
	params := &a2a.MessageSendParams{Message: msg}

	return func(yield func(*TaskSnapshot, error) bool) {
		for event, err := range c.client.SendStreamingMessage(ctx, params) {
			if err != nil {
				yield(nil, classify("stream", err))
				return
			}

			snapshot := snapshotFromEvent(event)
			if snapshot == nil {
				continue
			}
			if !yield(snapshot, nil) {
				return
			}
			if snapshot.Terminal() {
				return
			}
		}
	}
}

// CancelTask implements Client.
func (c *AgentClient) CancelTask(ctx context.Context, handle *TaskHandle) error {
	_, err := c.client.CancelTask(ctx, &a2a.TaskIDParams{ID: handle.TaskID})
	return classify("cancel", err)
}

// Close implements Client.
func (c *AgentClient) Close() error {
	return c.client.Destroy()
}

// retry runs op with the configured bounded exponential backoff.
// Only transport errors retry; anything else is permanent.
func retry[T any](ctx context.Context, cfg Config, op string, fn func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := fn()
		if err != nil && !IsTransport(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.Retry.InitialInterval
	expo.MaxInterval = cfg.Retry.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(cfg.Retry.MaxAttempts)),
	}
	if cfg.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			cfg.OnRetry(op, err, next)
		}))
	}

	return backoff.Retry(ctx, wrapped, opts...)
}

func snapshotFromTask(task *a2a.Task) *TaskSnapshot {
	return &TaskSnapshot{
		TaskID:    task.ID,
		ContextID: task.ContextID,
		State:     task.Status.State,
		Message:   task.Status.Message,
		Artifacts: task.Artifacts,
	}
}

func snapshotFromEvent(event a2a.Event) *TaskSnapshot {
	switch e := event.(type) {
	case *a2a.Task:
		return snapshotFromTask(e)

	case *a2a.TaskStatusUpdateEvent:
		return &TaskSnapshot{
			TaskID:    e.TaskID,
			ContextID: e.ContextID,
			State:     e.Status.State,
			Message:   e.Status.Message,
		}

	case *a2a.TaskArtifactUpdateEvent:
		return &TaskSnapshot{
			TaskID:    e.TaskID,
			ContextID: e.ContextID,
			State:     a2a.TaskStateWorking,
			Append:    e.Append,
			Artifacts: []*a2a.Artifact{e.Artifact},
		}

	case *a2a.Message:
		return &TaskSnapshot{
			TaskID:    e.TaskID,
			ContextID: e.ContextID,
			State:     a2a.TaskStateWorking,
			Message:   e,
		}

	default:
		return nil
	}
}

// UserMessage builds a user-role text message, optionally bound to an
// existing conversation context.
func UserMessage(text, contextID string) *a2a.Message {
	msg := a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text})
	msg.ContextID = contextID
	return msg
}
