// Package runbook defines the step and workflow model for operational
// runbooks and drives their execution. A workflow is a collection of typed
// steps; steps declare dependencies on each other and the executor runs them
// layer by layer, steps within a layer concurrently.
package runbook

import (
	"fmt"
	"time"
)

// StepType discriminates the step variants the executor knows how to run.
type StepType string

const (
	StepCommand     StepType = "command"
	StepScript      StepType = "script"
	StepPrompt      StepType = "prompt"
	StepConditional StepType = "conditional"
	StepParallel    StepType = "parallel"
	StepWait        StepType = "wait"
	StepNotify      StepType = "notify"
	StepManual      StepType = "manual"
)

// OnFailure selects what happens to the rest of the workflow when a step
// finalizes as failed.
type OnFailure string

const (
	// OnFailureFail aborts the remaining execution; transitive dependents
	// are recorded skipped.
	OnFailureFail OnFailure = "fail"
	// OnFailureContinue lets independent steps and layers proceed.
	OnFailureContinue OnFailure = "continue"
	// OnFailureSkipRemaining skips only the direct dependents of the
	// failed step.
	OnFailureSkipRemaining OnFailure = "skip_remaining"
)

// PromptType selects the interaction style of a prompt step.
type PromptType string

const (
	PromptConfirm PromptType = "confirm"
	PromptInput   PromptType = "input"
	PromptChoice  PromptType = "choice"
)

const (
	defaultStepTimeout  = 300 * time.Second
	defaultWaitTimeout  = 300 * time.Second
	defaultWaitInterval = 5 * time.Second
	defaultRetryDelay   = time.Second
)

// Step is one unit of work in a workflow. Type selects the variant; the
// variant-specific payloads (Prompt, Parallel, Wait, Notify, Conditional) are
// nil except on steps of the matching type. Command and Shell carry the
// command/script variants' payload directly.
type Step struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type StepType `json:"type" yaml:"type"`

	// Command/script payload.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Shell   string `json:"shell,omitempty" yaml:"shell,omitempty"`

	// Scheduling controls shared by all variants. Timeout and RetryDelay
	// are in seconds; zero means "use the default".
	Timeout    int       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries    int       `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelay int       `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	When       string    `json:"when,omitempty" yaml:"when,omitempty"`
	OnFailure  OnFailure `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`

	Register    string            `json:"register,omitempty" yaml:"register,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`

	Prompt      *PromptSpec      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Parallel    *ParallelSpec    `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Wait        *WaitSpec        `json:"wait,omitempty" yaml:"wait,omitempty"`
	Notify      *NotifySpec      `json:"notify,omitempty" yaml:"notify,omitempty"`
	Conditional *ConditionalSpec `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// PromptSpec is the payload of a prompt step.
type PromptSpec struct {
	Message string     `json:"message" yaml:"message"`
	Type    PromptType `json:"type,omitempty" yaml:"type,omitempty"`
	Default string     `json:"default,omitempty" yaml:"default,omitempty"`
	Choices []string   `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// ParallelSpec is the payload of a parallel step: child steps run
// concurrently, capped at MaxParallel (0 means unbounded).
type ParallelSpec struct {
	Steps       []Step `json:"steps" yaml:"steps"`
	MaxParallel int    `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
}

// WaitSpec is the payload of a wait step: poll Condition every Interval
// seconds until it is true or Timeout seconds elapse. Both default when zero
// (300s timeout, 5s interval).
type WaitSpec struct {
	Condition string `json:"condition" yaml:"condition"`
	Timeout   int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Interval  int    `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// NotifySpec is the payload of a notify step.
type NotifySpec struct {
	Channel string `json:"channel" yaml:"channel"`
	Message string `json:"message" yaml:"message"`
}

// ConditionalSpec is the payload of a conditional step: Condition selects the
// Then or Else branch, whose steps run sequentially.
type ConditionalSpec struct {
	Condition string `json:"condition" yaml:"condition"`
	Then      []Step `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []Step `json:"else,omitempty" yaml:"else,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the id.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// EffectiveTimeout returns the step timeout, applying the 300s default.
func (s *Step) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout) * time.Second
	}
	return defaultStepTimeout
}

// EffectiveRetryDelay returns the pause between retry attempts.
func (s *Step) EffectiveRetryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return time.Duration(s.RetryDelay) * time.Second
	}
	return defaultRetryDelay
}

// EffectiveTimeout returns the wait step's poll deadline.
func (w *WaitSpec) EffectiveTimeout() time.Duration {
	if w.Timeout > 0 {
		return time.Duration(w.Timeout) * time.Second
	}
	return defaultWaitTimeout
}

// EffectiveInterval returns the wait step's poll interval.
func (w *WaitSpec) EffectiveInterval() time.Duration {
	if w.Interval > 0 {
		return time.Duration(w.Interval) * time.Second
	}
	return defaultWaitInterval
}

// validate checks the variant payload matches the declared type. Workflow
// validation calls this for every step, including nested ones.
func (s *Step) validate() error {
	if s.ID == "" {
		return fmt.Errorf("step with empty id")
	}
	switch s.Type {
	case StepCommand, StepScript:
		if s.Command == "" {
			return fmt.Errorf("%s step %q: command is required", s.Type, s.ID)
		}
	case StepPrompt:
		if s.Prompt == nil || s.Prompt.Message == "" {
			return fmt.Errorf("prompt step %q: prompt message is required", s.ID)
		}
		switch s.Prompt.Type {
		case "", PromptConfirm, PromptInput:
		case PromptChoice:
			if len(s.Prompt.Choices) == 0 {
				return fmt.Errorf("prompt step %q: choice prompt needs choices", s.ID)
			}
		default:
			return fmt.Errorf("prompt step %q: unknown prompt type %q", s.ID, s.Prompt.Type)
		}
	case StepParallel:
		if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
			return fmt.Errorf("parallel step %q: child steps are required", s.ID)
		}
		for i := range s.Parallel.Steps {
			child := &s.Parallel.Steps[i]
			if len(child.DependsOn) > 0 {
				return fmt.Errorf("parallel step %q: child %q must not declare depends_on", s.ID, child.ID)
			}
			if err := child.validate(); err != nil {
				return fmt.Errorf("parallel step %q: %w", s.ID, err)
			}
		}
	case StepWait:
		if s.Wait == nil || s.Wait.Condition == "" {
			return fmt.Errorf("wait step %q: condition is required", s.ID)
		}
	case StepNotify:
		if s.Notify == nil || s.Notify.Channel == "" {
			return fmt.Errorf("notify step %q: channel is required", s.ID)
		}
	case StepConditional:
		if s.Conditional == nil || s.Conditional.Condition == "" {
			return fmt.Errorf("conditional step %q: condition is required", s.ID)
		}
		for _, branch := range [][]Step{s.Conditional.Then, s.Conditional.Else} {
			for i := range branch {
				if err := branch[i].validate(); err != nil {
					return fmt.Errorf("conditional step %q: %w", s.ID, err)
				}
			}
		}
	case StepManual:
		// Documentation-only: no payload to check.
	default:
		return fmt.Errorf("step %q: unknown type %q", s.ID, s.Type)
	}
	switch s.OnFailure {
	case "", OnFailureFail, OnFailureContinue, OnFailureSkipRemaining:
	default:
		return fmt.Errorf("step %q: invalid on_failure %q", s.ID, s.OnFailure)
	}
	return nil
}
