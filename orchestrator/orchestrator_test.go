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
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/arena/protocol"
	"github.com/kadirpekel/arena/qa"
	"github.com/kadirpekel/arena/scenario"
	"github.com/kadirpekel/arena/transcript"
)

// memRecorder is an in-memory transcript.Recorder.
type memRecorder struct {
	mu      sync.Mutex
	entries []*transcript.Entry
	failing bool
}

func (r *memRecorder) Append(ctx context.Context, e *transcript.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return fmt.Errorf("%w: disk gone", transcript.ErrRecorderUnavailable)
	}
	cp := *e
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *memRecorder) ReadAll(ctx context.Context, sessionID string) ([]*transcript.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*transcript.Entry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memRecorder) Close() error { return nil }

func (r *memRecorder) all() []*transcript.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*transcript.Entry(nil), r.entries...)
}

// fakeReply scripts one AwaitState result of the fake client.
type fakeReply struct {
	text  string
	state a2a.TaskState
	err   error
	// block makes AwaitState wait for ctx before returning err.
	block bool
}

// fakeClient is a scripted protocol.Client.
type fakeClient struct {
	mu       sync.Mutex
	replies  []fakeReply
	submits  []string
	canceled []a2a.TaskID
	closed   bool
}

func (f *fakeClient) Submit(ctx context.Context, msg *a2a.Message) (*protocol.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text := ""
	for _, p := range msg.Parts {
		if tp, ok := p.(a2a.TextPart); ok {
			text += tp.Text
		}
	}
	f.submits = append(f.submits, text)
	return &protocol.TaskHandle{TaskID: a2a.TaskID(fmt.Sprintf("task-%d", len(f.submits)))}, nil
}

func (f *fakeClient) AwaitState(ctx context.Context, handle *protocol.TaskHandle, timeout time.Duration) (*protocol.TaskSnapshot, error) {
	f.mu.Lock()
	if len(f.replies) == 0 {
		f.mu.Unlock()
		return nil, &protocol.ProtocolError{Op: "await state", Detail: "no scripted reply"}
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()

	if reply.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	state := reply.state
	if state == "" {
		state = a2a.TaskStateCompleted
	}
	return &protocol.TaskSnapshot{
		TaskID:    handle.TaskID,
		ContextID: "ctx-1",
		State:     state,
		Message:   a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: reply.text}),
	}, nil
}

func (f *fakeClient) StreamUpdates(ctx context.Context, msg *a2a.Message) iter.Seq2[*protocol.TaskSnapshot, error] {
	return func(yield func(*protocol.TaskSnapshot, error) bool) {
		handle, err := f.Submit(ctx, msg)
		if err != nil {
			yield(nil, err)
			return
		}
		snap, err := f.AwaitState(ctx, handle, time.Minute)
		yield(snap, err)
	}
}

func (f *fakeClient) CancelTask(ctx context.Context, handle *protocol.TaskHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, handle.TaskID)
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func dialFake(f *fakeClient) DialFunc {
	return func(ctx context.Context, cfg protocol.Config) (protocol.Client, error) {
		return f, nil
	}
}

func twoStepScenario() *scenario.Definition {
	def := &scenario.Definition{
		Name:         "two-step",
		Participants: map[string]string{scenario.RoleBuilder: "http://builder.test"},
		Steps: []scenario.Step{
			{Prompt: "proposal", Expect: "accept", Params: map[string]any{"feedback": false}},
			{Prompt: "confirm", Expect: "accept", Params: map[string]any{"feedback": false}},
		},
	}
	def.SetDefaults()
	return def
}

func TestFaultFreeRunCompletes(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "accept"},
		{text: "accept"},
	}}

	sess, err := New(Config{Scenario: twoStepScenario(), Recorder: rec, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateCompleted {
		t.Errorf("state = %s, want %s", out.State, StateCompleted)
	}
	if !out.Success {
		t.Error("expected success=true")
	}
	if out.Turns != 2 {
		t.Errorf("turns = %d, want 2", out.Turns)
	}
	if out.Accuracy != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", out.Accuracy)
	}
	if !client.closed {
		t.Error("client was not closed")
	}
	assertGaplessSeq(t, rec.all())
}

func TestPerTurnTimeoutFails(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "accept"},
		{err: protocol.ErrTimeoutExceeded},
	}}

	sess, err := New(Config{Scenario: twoStepScenario(), Recorder: rec, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateFailed {
		t.Errorf("state = %s, want %s", out.State, StateFailed)
	}
	if out.FailureTag != TagTimeoutExceeded {
		t.Errorf("tag = %s, want %s", out.FailureTag, TagTimeoutExceeded)
	}
	if out.Turns != 1 {
		t.Errorf("turns = %d, want 1", out.Turns)
	}
	assertGaplessSeq(t, rec.all())
}

func TestSessionTimeoutWins(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{block: true},
	}}

	def := twoStepScenario()
	def.SessionTimeout = 50 * time.Millisecond

	sess, err := New(Config{Scenario: def, Recorder: rec, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateFailed {
		t.Errorf("state = %s, want %s", out.State, StateFailed)
	}
	if out.FailureTag != TagSessionTimeout {
		t.Errorf("tag = %s, want %s", out.FailureTag, TagSessionTimeout)
	}
}

func TestProtocolErrorNotRetried(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{err: &protocol.ProtocolError{Op: "await state", Detail: "garbage response"}},
	}}

	sess, err := New(Config{Scenario: twoStepScenario(), Recorder: rec, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.FailureTag != TagProtocolError {
		t.Errorf("tag = %s, want %s", out.FailureTag, TagProtocolError)
	}
	if out.Turns != 0 {
		t.Errorf("turns = %d, want 0", out.Turns)
	}
}

func TestQAInterjectionSequencing(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "[ASK];What colors are needed?"},
		{text: "[BUILD];Red,0,0,0"},
	}}

	def := twoStepScenario()
	def.Steps = []scenario.Step{
		{Prompt: "build it", Expect: "Red,0,0,0", Params: map[string]any{"feedback": false}},
	}
	def.SetDefaults()

	sess, err := New(Config{Scenario: def, Recorder: rec, QA: qa.NewDummy(), Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateCompleted || !out.Success {
		t.Fatalf("state = %s success = %v, want completed/true", out.State, out.Success)
	}
	if out.Questions != 1 {
		t.Errorf("questions = %d, want 1", out.Questions)
	}

	entries := rec.all()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Role != scenario.RoleBuilder || entries[1].Role != RoleQAProvider || entries[2].Role != scenario.RoleBuilder {
		t.Errorf("roles = %s,%s,%s, want builder,qa-provider,builder",
			entries[0].Role, entries[1].Role, entries[2].Role)
	}
	assertGaplessSeq(t, entries)

	// The injected answer is prefixed and derived from the target.
	if len(client.submits) != 2 {
		t.Fatalf("got %d submits, want 2", len(client.submits))
	}
	if client.submits[1] != "Answer: Colors in target: Red." {
		t.Errorf("answer message = %q", client.submits[1])
	}
}

// cancelingProvider cancels the session while it is awaiting input,
// simulating an external cancel arriving during the QA suspension.
type cancelingProvider struct {
	sess *Session
}

func (p *cancelingProvider) Name() string { return "canceling" }

func (p *cancelingProvider) Answer(ctx context.Context, req *qa.Request) (*qa.Response, error) {
	if err := p.sess.Cancel(); err != nil {
		return nil, err
	}
	return &qa.Response{Answer: "yes"}, nil
}

func TestCancelDuringAwaitingInput(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "[ASK];May I see the target?", state: a2a.TaskStateInputRequired},
	}}

	def := twoStepScenario()
	def.Steps = []scenario.Step{
		{Prompt: "build it", Expect: "Red,0,0,0", Params: map[string]any{"feedback": false}},
	}
	def.SetDefaults()

	provider := &cancelingProvider{}
	sess, err := New(Config{Scenario: def, Recorder: rec, QA: provider, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	provider.sess = sess

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateCanceled {
		t.Errorf("state = %s, want %s", out.State, StateCanceled)
	}

	// Only the builder question was recorded; nothing after the cancel
	// was observed.
	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Role != scenario.RoleBuilder {
		t.Errorf("entry role = %s, want builder", entries[0].Role)
	}

	if err := sess.Cancel(); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel: got %v, want ErrAlreadyTerminal", err)
	}
}

// failingProvider always errors.
type failingProvider struct{ err error }

func (p *failingProvider) Name() string { return "failing" }

func (p *failingProvider) Answer(ctx context.Context, req *qa.Request) (*qa.Response, error) {
	return nil, p.err
}

func TestQAFallbackAbort(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "[ASK];anything"},
	}}

	def := twoStepScenario()
	def.Steps = def.Steps[:1]
	def.QA.Fallback = scenario.FallbackAbort

	sess, err := New(Config{
		Scenario: def,
		Recorder: rec,
		QA:       &failingProvider{err: qa.ErrUpstreamUnavailable},
		Dial:     dialFake(client),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.FailureTag != TagUpstreamUnavailable {
		t.Errorf("tag = %s, want %s", out.FailureTag, TagUpstreamUnavailable)
	}
	assertGaplessSeq(t, rec.all())
}

func TestQAFallbackContinue(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "[ASK];anything"},
		{text: "accept"},
	}}

	def := twoStepScenario()
	def.Steps = def.Steps[:1]
	def.QA.Fallback = scenario.FallbackContinue

	sess, err := New(Config{
		Scenario: def,
		Recorder: rec,
		QA:       &failingProvider{err: qa.ErrUpstreamTimeout},
		Dial:     dialFake(client),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StateCompleted {
		t.Fatalf("state = %s, want completed", out.State)
	}
	if client.submits[1] != "Answer: "+def.QA.DeclineAnswer {
		t.Errorf("answer message = %q", client.submits[1])
	}
	assertGaplessSeq(t, rec.all())
}

func TestRecorderFailureIsFatal(t *testing.T) {
	rec := &memRecorder{failing: true}
	client := &fakeClient{replies: []fakeReply{
		{text: "accept"},
	}}

	sess, err := New(Config{Scenario: twoStepScenario(), Recorder: rec, Dial: dialFake(client)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.FailureTag != TagRecorderUnavailable {
		t.Errorf("tag = %s, want %s", out.FailureTag, TagRecorderUnavailable)
	}
}

func TestRetryEventsKeepSeqGapless(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "accept"},
		{text: "accept"},
	}}

	var onRetry func(op string, err error, next time.Duration)
	dial := func(ctx context.Context, cfg protocol.Config) (protocol.Client, error) {
		onRetry = cfg.OnRetry
		return client, nil
	}

	sess, err := New(Config{Scenario: twoStepScenario(), Recorder: rec, Dial: dial})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	firstTurn := false
	sess.cfg.OnTurn = func(info *TurnInfo) {
		if !firstTurn {
			firstTurn = true
			// Simulate a transport retry surfacing between turns.
			onRetry("submit", errors.New("connection reset"), 200*time.Millisecond)
		}
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Retries != 1 {
		t.Errorf("retries = %d, want 1", out.Retries)
	}

	entries := rec.all()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assertGaplessSeq(t, entries)
	if kinds[1] != transcript.KindEvent {
		t.Errorf("kinds = %v, want event in the middle", kinds)
	}
}

func TestInvalidScenarioFailsFast(t *testing.T) {
	def := twoStepScenario()
	def.Steps = nil

	if _, err := New(Config{Scenario: def, Recorder: &memRecorder{}}); !errors.Is(err, scenario.ErrInvalidScenario) {
		t.Errorf("got %v, want ErrInvalidScenario", err)
	}
}

func TestStreamingExchange(t *testing.T) {
	rec := &memRecorder{}
	client := &fakeClient{replies: []fakeReply{
		{text: "accept"},
		{text: "accept"},
	}}

	sess, err := New(Config{
		Scenario:  twoStepScenario(),
		Recorder:  rec,
		Dial:      dialFake(client),
		Streaming: true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StateCompleted || out.Turns != 2 {
		t.Errorf("state = %s turns = %d, want completed/2", out.State, out.Turns)
	}
}

// chunkStreamClient streams one reply as artifact chunks appended to
// the same artifact, then a terminal status.
type chunkStreamClient struct {
	fakeClient
	chunks []string
}

func (c *chunkStreamClient) StreamUpdates(ctx context.Context, msg *a2a.Message) iter.Seq2[*protocol.TaskSnapshot, error] {
	return func(yield func(*protocol.TaskSnapshot, error) bool) {
		if _, err := c.Submit(ctx, msg); err != nil {
			yield(nil, err)
			return
		}
		for i, chunk := range c.chunks {
			snap := &protocol.TaskSnapshot{
				TaskID:    "task-1",
				ContextID: "ctx-1",
				State:     a2a.TaskStateWorking,
				Append:    i > 0,
				Artifacts: []*a2a.Artifact{
					{ID: "a1", Parts: a2a.ContentParts{a2a.TextPart{Text: chunk}}},
				},
			}
			if !yield(snap, nil) {
				return
			}
		}
		yield(&protocol.TaskSnapshot{
			TaskID:    "task-1",
			ContextID: "ctx-1",
			State:     a2a.TaskStateCompleted,
		}, nil)
	}
}

func TestStreamingChunkedReplyScoredWhole(t *testing.T) {
	rec := &memRecorder{}
	client := &chunkStreamClient{chunks: []string{"[BUILD];Red,0,0,0;", "Blue,1,0,0"}}

	def := twoStepScenario()
	def.Steps = []scenario.Step{
		{Prompt: "build it", Expect: "Red,0,0,0;Blue,1,0,0", Params: map[string]any{"feedback": false}},
	}
	def.SetDefaults()

	dial := func(ctx context.Context, cfg protocol.Config) (protocol.Client, error) {
		return client, nil
	}
	sess, err := New(Config{Scenario: def, Recorder: rec, Dial: dial, Streaming: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out, err := sess.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StateCompleted || !out.Success {
		t.Fatalf("state = %s success = %v, want completed/true", out.State, out.Success)
	}
	if out.Turns != 1 {
		t.Errorf("turns = %d, want 1", out.Turns)
	}
	if len(out.Steps) != 1 || !out.Steps[0].Passed {
		t.Fatalf("step result = %+v, want passed", out.Steps)
	}

	// The transcript carries the whole reply, not the last chunk.
	entries := rec.all()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	var payload transcript.TurnPayload
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload.Text != "[BUILD];Red,0,0,0;Blue,1,0,0" {
		t.Errorf("recorded text = %q", payload.Text)
	}
}

func assertGaplessSeq(t *testing.T, entries []*transcript.Entry) {
	t.Helper()
	for i, e := range entries {
		if e.Seq != i+1 {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
}
