package runbook

import "time"

// Status is the lifecycle state of a step or workflow execution.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// SkipReasonUpstream is recorded on steps skipped because a dependency
// (direct or transitive) failed under a fail or skip_remaining policy.
const SkipReasonUpstream = "upstream failure"

// SkipReasonCancelled is recorded on steps that never started because the
// run's context was cancelled.
const SkipReasonCancelled = "execution cancelled"

// StepResult is the immutable outcome of one step execution. Once the
// executor finalizes it, it is never mutated again.
type StepResult struct {
	StepID        string    `json:"step_id" yaml:"step_id"`
	Name          string    `json:"name,omitempty" yaml:"name,omitempty"`
	Type          StepType  `json:"type" yaml:"type"`
	Status        Status    `json:"status" yaml:"status"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	EndedAt       time.Time `json:"ended_at" yaml:"ended_at"`
	Output        string    `json:"output,omitempty" yaml:"output,omitempty"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
	ReturnCode    int       `json:"return_code,omitempty" yaml:"return_code,omitempty"`
	SkippedReason string    `json:"skipped_reason,omitempty" yaml:"skipped_reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	DryRun        bool      `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`

	// Value is the output bound into the variable scope when the step
	// declares register.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Parallel carries the aggregate for parallel steps; Children carries
	// branch results for conditional steps.
	Parallel *ParallelResult `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Children []StepResult    `json:"children,omitempty" yaml:"children,omitempty"`
}

// Duration is the wall time between start and end.
func (r *StepResult) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ParallelResult aggregates the child outcomes of one parallel block.
// Success means no child failed at all; AnySucceeded is true when at least
// one child succeeded. Whether a child failure fails the block step itself
// depends on the child's on_failure policy, which the executor applies
// separately.
type ParallelResult struct {
	Results      []StepResult `json:"results" yaml:"results"`
	Succeeded    int          `json:"succeeded" yaml:"succeeded"`
	Failed       int          `json:"failed" yaml:"failed"`
	Skipped      int          `json:"skipped" yaml:"skipped"`
	Success      bool         `json:"success" yaml:"success"`
	AnySucceeded bool         `json:"any_succeeded" yaml:"any_succeeded"`
}

func summarizeParallel(results []StepResult) *ParallelResult {
	pr := &ParallelResult{Results: results}
	for i := range results {
		switch results[i].Status {
		case StatusSuccess:
			pr.Succeeded++
		case StatusFailed:
			pr.Failed++
		case StatusSkipped:
			pr.Skipped++
		}
	}
	pr.Success = pr.Failed == 0
	pr.AnySucceeded = pr.Succeeded > 0
	return pr
}

// WorkflowResult is the sealed outcome of one workflow run: the ordered step
// results plus derived counters. Status is failed when any step whose
// effective on_failure policy is not continue finalized as failed.
type WorkflowResult struct {
	WorkflowName string         `json:"workflow_name" yaml:"workflow_name"`
	RunID        string         `json:"run_id" yaml:"run_id"`
	Status       Status         `json:"status" yaml:"status"`
	StartedAt    time.Time      `json:"started_at" yaml:"started_at"`
	EndedAt      time.Time      `json:"ended_at" yaml:"ended_at"`
	Steps        []StepResult   `json:"steps" yaml:"steps"`
	Succeeded    int            `json:"succeeded" yaml:"succeeded"`
	Failed       int            `json:"failed" yaml:"failed"`
	Skipped      int            `json:"skipped" yaml:"skipped"`
	Variables    map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	DryRun       bool           `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// Duration is the wall time of the whole run.
func (r *WorkflowResult) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Result returns the step result with the given id, or nil.
func (r *WorkflowResult) Result(stepID string) *StepResult {
	for i := range r.Steps {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// seal fixes the end time, tallies the counters and records the overall
// status. Called exactly once, after the last step result is appended.
func (r *WorkflowResult) seal(status Status, end time.Time) {
	r.EndedAt = end
	r.Status = status
	r.Succeeded, r.Failed, r.Skipped = 0, 0, 0
	for i := range r.Steps {
		switch r.Steps[i].Status {
		case StatusSuccess:
			r.Succeeded++
		case StatusFailed:
			r.Failed++
		case StatusSkipped:
			r.Skipped++
		}
	}
}
