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

// Package qa answers clarifying questions raised by an agent under
// evaluation. Providers are interchangeable: the dummy provider gives
// deterministic answers for offline runs, the gemini provider consults
// a live model.
package qa

import (
	"context"
	"errors"
	"fmt"

	"github.com/kadirpekel/arena/config"
)

// Sentinel errors surfaced by providers. Callers route these through
// the scenario's fallback policy rather than retrying.
var (
	// ErrUpstreamUnavailable reports that the backing service cannot be
	// reached or was never configured.
	ErrUpstreamUnavailable = errors.New("qa upstream unavailable")

	// ErrUpstreamTimeout reports that the backing service did not answer
	// within the allotted window.
	ErrUpstreamTimeout = errors.New("qa upstream timeout")
)

// Request carries one question together with the context the provider
// may draw on when answering.
type Request struct {
	// ID correlates the request with the session turn that raised it.
	ID string

	// Question is the raw question text extracted from the agent reply.
	Question string

	// Target is the structure description the session is evaluating
	// against. Providers may reveal derived facts (counts, colors) but
	// never the description verbatim.
	Target string

	// Context holds the most recent conversation turns, oldest first.
	Context []string
}

// Response is a provider's answer to a single request.
type Response struct {
	// Answer is the text to inject back into the conversation.
	Answer string

	// Declined is set when the provider chose not to answer, typically
	// because the question would leak the target outright.
	Declined bool
}

// Provider answers questions on behalf of the orchestrator.
type Provider interface {
	// Answer resolves a single question. Implementations must respect
	// ctx cancellation and deadlines.
	Answer(ctx context.Context, req *Request) (*Response, error)

	// Name identifies the provider in logs and transcripts.
	Name() string
}

// New builds the provider selected by cfg.
func New(cfg *config.Config) (Provider, error) {
	switch cfg.QAMode {
	case config.QAModeDummy, "":
		return NewDummy(), nil
	case config.QAModeGemini:
		return NewGemini(GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.QAModel,
		})
	default:
		return nil, fmt.Errorf("unknown qa mode: %s", cfg.QAMode)
	}
}
