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

// Package scenario loads and validates declarative evaluation scripts.
//
// A scenario describes one full evaluation run: the ordered prompts sent
// to the builder agent, the expected replies, timeout and retry budgets,
// and the question-answering policy. Definitions are loaded once and are
// read-only for the lifetime of a session.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrInvalidScenario is wrapped by all validation failures.
var ErrInvalidScenario = errors.New("invalid scenario")

// RoleBuilder is the participant the orchestrator drives; every scenario
// must name an endpoint for it.
const RoleBuilder = "builder"

// Fallback policies applied when the QA provider fails mid-scenario.
const (
	FallbackAbort    = "abort"
	FallbackContinue = "continue"
)

// Step is one scripted exchange with the builder agent.
type Step struct {
	// Role is the sender the completed exchange is attributed to in the
	// transcript ("builder" or "evaluator"). Defaults to "builder".
	Role string `yaml:"role"`

	// Prompt is the instruction text sent to the builder.
	Prompt string `yaml:"prompt"`

	// Expect is the reply the step is scored against. Empty means the
	// step is unscored.
	Expect string `yaml:"expect"`

	// Params carries optional per-step settings, decoded via Options.
	Params map[string]any `yaml:"params"`
}

// StepOptions are the recognized per-step params.
type StepOptions struct {
	// TaskDescription is prefixed to the prompt when set, the way the
	// original trials carry a shared grid context.
	TaskDescription string `mapstructure:"task_description"`

	// Feedback controls whether a scoring feedback message is sent back
	// to the builder after the step is evaluated.
	Feedback bool `mapstructure:"feedback"`
}

// Options decodes the step's params.
func (s *Step) Options() (*StepOptions, error) {
	opts := &StepOptions{Feedback: true}
	if len(s.Params) == 0 {
		return opts, nil
	}
	if err := mapstructure.Decode(s.Params, opts); err != nil {
		return nil, fmt.Errorf("%w: step params: %v", ErrInvalidScenario, err)
	}
	return opts, nil
}

// RetryPolicy bounds transport-error retries on the builder leg.
// Protocol errors are never retried regardless of this policy.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per operation. Zero or
	// one means no retries.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialInterval seeds the exponential backoff.
	InitialInterval time.Duration `yaml:"initial_interval"`

	// MaxInterval caps the backoff.
	MaxInterval time.Duration `yaml:"max_interval"`
}

// QAPolicy selects and constrains the question-answering provider.
type QAPolicy struct {
	// Mode is "dummy" or "gemini". Empty inherits the process config.
	Mode string `yaml:"mode"`

	// Fallback is applied when the provider fails: "abort" fails the
	// session, "continue" substitutes DeclineAnswer and carries on.
	Fallback string `yaml:"fallback"`

	// DeclineAnswer is the canned reply used by the continue fallback.
	DeclineAnswer string `yaml:"decline_answer"`

	// Timeout bounds a single Answer call.
	Timeout time.Duration `yaml:"timeout"`

	// ContextTurns is how many prior transcript turns accompany each
	// question.
	ContextTurns int `yaml:"context_turns"`
}

// Definition is a complete declarative scenario.
type Definition struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Participants map[string]string `yaml:"participants"`

	// StepTimeout bounds each await on the builder; SessionTimeout
	// bounds the whole run and takes precedence when both fire.
	StepTimeout    time.Duration `yaml:"step_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`

	Retry RetryPolicy `yaml:"retry"`
	QA    QAPolicy    `yaml:"qa"`
	Steps []Step      `yaml:"steps"`
}

// Load parses a scenario definition from r and validates it.
func Load(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	def := &Definition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	def.SetDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile parses and validates the scenario at path.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// SetDefaults fills unset fields with their defaults. Load calls it
// automatically; programmatic construction should call it before
// Validate.
func (d *Definition) SetDefaults() {
	if d.StepTimeout == 0 {
		d.StepTimeout = 30 * time.Second
	}
	if d.SessionTimeout == 0 {
		d.SessionTimeout = 10 * time.Minute
	}
	if d.Retry.InitialInterval == 0 {
		d.Retry.InitialInterval = 200 * time.Millisecond
	}
	if d.Retry.MaxInterval == 0 {
		d.Retry.MaxInterval = 5 * time.Second
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = 1
	}
	if d.QA.Fallback == "" {
		d.QA.Fallback = FallbackAbort
	}
	if d.QA.DeclineAnswer == "" {
		d.QA.DeclineAnswer = "I cannot answer that question."
	}
	if d.QA.Timeout == 0 {
		d.QA.Timeout = 30 * time.Second
	}
	if d.QA.ContextTurns == 0 {
		d.QA.ContextTurns = 6
	}
	for i := range d.Steps {
		if d.Steps[i].Role == "" {
			d.Steps[i].Role = RoleBuilder
		}
	}
}

// Validate fails fast with ErrInvalidScenario when required fields are
// absent or timeouts are non-positive.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidScenario)
	}
	if d.Participants[RoleBuilder] == "" {
		return fmt.Errorf("%w: participants must include a %q endpoint", ErrInvalidScenario, RoleBuilder)
	}
	if d.StepTimeout <= 0 {
		return fmt.Errorf("%w: step_timeout must be positive", ErrInvalidScenario)
	}
	if d.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalidScenario)
	}
	if d.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalidScenario)
	}
	switch d.QA.Fallback {
	case FallbackAbort, FallbackContinue:
	default:
		return fmt.Errorf("%w: qa.fallback must be %q or %q", ErrInvalidScenario, FallbackAbort, FallbackContinue)
	}
	for i, step := range d.Steps {
		if step.Prompt == "" {
			return fmt.Errorf("%w: step %d has no prompt", ErrInvalidScenario, i)
		}
		if _, err := step.Options(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// BuilderEndpoint returns the builder participant URL.
func (d *Definition) BuilderEndpoint() string {
	return d.Participants[RoleBuilder]
}
