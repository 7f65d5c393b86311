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

package qa

import (
	"context"
	"errors"
	"testing"

	"github.com/kadirpekel/arena/config"
)

func TestDummyAnswersColorQuestion(t *testing.T) {
	d := NewDummy()
	resp, err := d.Answer(context.Background(), &Request{
		Question: "What colors does the structure use?",
		Target:   "Red,0,0,0;Blue,1,0,0;Red,2,0,0",
	})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if resp.Declined {
		t.Fatal("expected an answer, got declined")
	}
	want := "Colors in target: Blue, Red."
	if resp.Answer != want {
		t.Errorf("answer = %q, want %q", resp.Answer, want)
	}
}

func TestDummyNeutralAnswer(t *testing.T) {
	d := NewDummy()
	resp, err := d.Answer(context.Background(), &Request{
		Question: "How tall is it?",
		Target:   "Red,0,0,0",
	})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if resp.Answer != "I can answer questions about the target structure." {
		t.Errorf("unexpected answer: %q", resp.Answer)
	}
}

func TestDummyDeterministic(t *testing.T) {
	d := NewDummy()
	req := &Request{
		Question: "which color blocks are there",
		Target:   "Green,1,1,1;Red,0,0,0;Green,2,2,2",
	}
	first, err := d.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		resp, err := d.Answer(context.Background(), req)
		if err != nil {
			t.Fatalf("Answer failed: %v", err)
		}
		if resp.Answer != first.Answer {
			t.Fatalf("run %d: answer %q differs from %q", i, resp.Answer, first.Answer)
		}
	}
}

func TestDummyRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDummy().Answer(ctx, &Request{Question: "hi"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(&config.Config{QAMode: config.QAModeDummy})
	if err != nil {
		t.Fatalf("New(dummy) failed: %v", err)
	}
	if p.Name() != "dummy" {
		t.Errorf("provider = %q, want dummy", p.Name())
	}

	if _, err := New(&config.Config{QAMode: config.QAModeGemini}); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("gemini without key: got %v, want ErrUpstreamUnavailable", err)
	}

	if _, err := New(&config.Config{QAMode: "oracle"}); err == nil {
		t.Error("expected error for unknown mode")
	}
}
