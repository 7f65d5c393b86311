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
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// declineMarker is the token the model emits when it refuses a
// question that would reveal the target outright.
const declineMarker = "DECLINE"

const geminiSystemPrompt = `You answer clarifying questions during a structure-building evaluation.
You know the target structure but must never reveal it verbatim.
Answer with short factual statements derived from the target (colors, counts, extents).
If the question asks for the full target description or exact coordinates of every block, reply with exactly: ` + declineMarker

// GeminiConfig configures the Gemini-backed provider.
type GeminiConfig struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name. Defaults to gemini-2.0-flash.
	Model string
}

// Gemini answers questions by consulting a Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed provider. A missing API key is
// reported as ErrUpstreamUnavailable so the caller can fall back to the
// dummy provider or abort per scenario policy.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrUpstreamUnavailable)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}

	// Constructors shouldn't require context; genai defers network work
	// to the first call.
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	return &Gemini{client: client, model: cfg.Model}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Answer implements Provider.
func (g *Gemini) Answer(ctx context.Context, req *Request) (*Response, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, g.buildContents(req), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: geminiSystemPrompt}},
			Role:  "user",
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	answer := strings.TrimSpace(extractText(resp))
	if answer == "" {
		return nil, fmt.Errorf("%w: empty response", ErrUpstreamUnavailable)
	}
	if answer == declineMarker {
		return &Response{Declined: true}, nil
	}
	return &Response{Answer: answer}, nil
}

// buildContents assembles the prompt: target first, then recent turns,
// then the question itself.
func (g *Gemini) buildContents(req *Request) []*genai.Content {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target structure: %s\n", req.Target)
	if len(req.Context) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, turn := range req.Context {
			sb.WriteString(turn)
			sb.WriteString("\n")
		}
	}
	fmt.Fprintf(&sb, "Question: %s", req.Question)

	return []*genai.Content{{
		Parts: []*genai.Part{{Text: sb.String()}},
		Role:  "user",
	}}
}

func extractText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}
