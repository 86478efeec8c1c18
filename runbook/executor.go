package runbook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notifier dispatches notify-step messages to a named channel. The executor
// only supplies channel name and message text and observes success/failure.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// Events receives execution lifecycle callbacks, for metrics and progress
// reporting. Methods are called from concurrent goroutines and must be safe
// for that. All methods may be called with nested (parallel/conditional
// child) steps as well as top-level ones.
type Events interface {
	StepStarted(workflow, stepID string)
	StepFinished(workflow string, result *StepResult)
	RunFinished(workflow string, result *WorkflowResult)
}

const defaultMaxParallel = 8

// Executor runs workflows layer by layer: steps within a layer execute
// concurrently (bounded by the parallelism limit), and a layer barrier
// applies register bindings before the next layer starts. The zero value is
// not usable; construct with NewExecutor.
type Executor struct {
	runner    CommandRunner
	notifier  Notifier
	prompter  Prompter
	events    Events
	logger    *slog.Logger
	templates *TemplateEngine

	maxParallel int
	dryRun      bool

	// sleep is the retry/poll pause, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor running commands through the given runner.
// A nil runner falls back to a local ShellRunner; a nil logger falls back to
// slog.Default(). Prompts resolve to their defaults until SetPrompter
// installs an interactive prompter; notify steps fail until SetNotifier
// installs a dispatcher.
func NewExecutor(runner CommandRunner, logger *slog.Logger) *Executor {
	if runner == nil {
		runner = &ShellRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runner:      runner,
		prompter:    NonInteractivePrompter{},
		logger:      logger,
		templates:   NewTemplateEngine(),
		maxParallel: defaultMaxParallel,
		sleep:       ctxSleep,
	}
}

// SetNotifier installs the notification dispatcher used by notify steps.
func (e *Executor) SetNotifier(n Notifier) { e.notifier = n }

// SetPrompter installs the prompter used by prompt steps.
func (e *Executor) SetPrompter(p Prompter) {
	if p == nil {
		p = NonInteractivePrompter{}
	}
	e.prompter = p
}

// SetEvents installs the lifecycle callback sink.
func (e *Executor) SetEvents(ev Events) { e.events = ev }

// SetMaxParallel caps how many steps of one layer run concurrently.
func (e *Executor) SetMaxParallel(n int) {
	if n > 0 {
		e.maxParallel = n
	}
}

// SetDryRun switches the executor into dry-run mode: the same control flow
// runs, but command/script/notify bodies are replaced with no-ops, prompts
// resolve to defaults and wait conditions are evaluated once. Every result
// is flagged dry_run.
func (e *Executor) SetDryRun(dry bool) { e.dryRun = dry }

// Run executes the workflow and returns its sealed result. Definition
// errors (validation, cycles, missing parameters) return a nil result and an
// error before any side effect. Step failures are not errors: they are
// recorded in the result with the overall status set to failed. The returned
// error is non-nil after a definition error or when the context was
// cancelled mid-run; in the latter case the partial result is returned too.
func (e *Executor) Run(ctx context.Context, wf *Workflow, inputs map[string]any) (*WorkflowResult, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	scope, err := wf.Scope(inputs)
	if err != nil {
		return nil, err
	}
	g, err := wf.Graph()
	if err != nil {
		return nil, err
	}
	layers, err := g.Layers()
	if err != nil {
		return nil, err
	}

	res := &WorkflowResult{
		WorkflowName: wf.Name,
		RunID:        uuid.New().String(),
		Status:       StatusRunning,
		StartedAt:    time.Now().UTC(),
		DryRun:       e.dryRun,
	}
	e.logger.Info("Workflow started",
		"workflow", wf.Name, "run_id", res.RunID,
		"steps", len(wf.Steps), "layers", len(layers), "dry_run", e.dryRun)

	skip := make(map[string]string) // step id -> pending skip reason
	aborted := false                // fail policy tripped; skip everything else
	requiredFailed := false
	cancelled := false

	for _, layer := range layers {
		if ctx.Err() != nil {
			cancelled = true
		}

		type slot struct {
			step   *Step
			result *StepResult
			binds  []binding
		}
		slots := make([]*slot, 0, len(layer))
		for _, id := range layer {
			step := wf.step(id)
			switch {
			case cancelled:
				res.Steps = append(res.Steps, *e.recordSkip(wf, step, SkipReasonCancelled))
			case aborted:
				res.Steps = append(res.Steps, *e.recordSkip(wf, step, SkipReasonUpstream))
			default:
				if reason, ok := skip[id]; ok {
					res.Steps = append(res.Steps, *e.recordSkip(wf, step, reason))
					continue
				}
				slots = append(slots, &slot{step: step})
			}
		}
		if len(slots) == 0 {
			continue
		}

		var grp errgroup.Group
		grp.SetLimit(e.maxParallel)
		for _, s := range slots {
			s := s
			grp.Go(func() error {
				s.result, s.binds = e.runStep(ctx, wf, s.step, scope)
				return nil
			})
		}
		_ = grp.Wait()
		if ctx.Err() != nil {
			cancelled = true
		}

		// Layer barrier: record results, apply register bindings, then
		// apply failure policies for the next layers.
		for _, s := range slots {
			res.Steps = append(res.Steps, *s.result)
			for _, b := range s.binds {
				scope[b.name] = b.value
			}
			if s.result.Status != StatusFailed {
				continue
			}
			policy := e.effectivePolicy(wf, s.step)
			if policy != OnFailureContinue {
				requiredFailed = true
			}
			switch policy {
			case OnFailureFail:
				aborted = true
			case OnFailureSkipRemaining:
				for _, dep := range g.Dependents(s.step.ID) {
					if _, exists := skip[dep]; !exists {
						skip[dep] = SkipReasonUpstream
					}
				}
			}
		}
	}

	status := StatusSuccess
	if requiredFailed || cancelled {
		status = StatusFailed
	}
	res.Variables = scope
	res.seal(status, time.Now().UTC())

	e.logger.Info("Workflow completed",
		"workflow", wf.Name, "run_id", res.RunID, "status", res.Status,
		"succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped,
		"elapsed", res.Duration())
	if e.events != nil {
		e.events.RunFinished(wf.Name, res)
	}
	if cancelled {
		return res, fmt.Errorf("workflow %q cancelled: %w", wf.Name, ctx.Err())
	}
	return res, nil
}

type binding struct {
	name  string
	value any
}

func (e *Executor) effectivePolicy(wf *Workflow, step *Step) OnFailure {
	if step.OnFailure != "" {
		return step.OnFailure
	}
	return wf.DefaultOnFailure()
}

// runStep executes one step, including retries and the when guard, and
// returns its finalized result plus the register bindings it (and any nested
// children) produced. The scope is read-only here; bindings are applied by
// the caller at the layer barrier.
func (e *Executor) runStep(ctx context.Context, wf *Workflow, step *Step, scope map[string]any) (*StepResult, []binding) {
	// Cancelled while still queued behind the concurrency limit: the step
	// never started.
	if ctx.Err() != nil {
		return e.recordSkip(wf, step, SkipReasonCancelled), nil
	}
	res := &StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		Type:      step.Type,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		DryRun:    e.dryRun,
	}
	if e.events != nil {
		e.events.StepStarted(wf.Name, step.ID)
	}
	e.logger.Info("Step started", "workflow", wf.Name, "step", step.ID, "type", step.Type)

	finalize := func() (*StepResult, []binding) {
		res.EndedAt = time.Now().UTC()
		if e.events != nil {
			e.events.StepFinished(wf.Name, res)
		}
		return res, nil
	}

	ok, err := EvalCondition(step.When, scope)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		e.logger.Error("Step failed", "workflow", wf.Name, "step", step.ID, "error", err)
		return finalize()
	}
	if !ok {
		res.Status = StatusSkipped
		res.SkippedReason = "condition not met"
		e.logger.Info("Step skipped", "workflow", wf.Name, "step", step.ID, "reason", res.SkippedReason)
		return finalize()
	}

	var binds []binding
	attempts := 0
	for attempt := 0; attempt <= step.Retries; attempt++ {
		attempts++
		binds, err = e.runOnce(ctx, wf, step, scope, res)
		if err == nil {
			break
		}
		if attempt < step.Retries {
			e.logger.Warn("Step failed, retrying",
				"workflow", wf.Name, "step", step.ID,
				"attempt", attempts, "remaining", step.Retries-attempt, "error", err)
			if sleepErr := e.sleep(ctx, step.EffectiveRetryDelay()); sleepErr != nil {
				err = sleepErr
				break
			}
		}
	}
	res.Attempts = attempts

	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		e.logger.Error("Step failed",
			"workflow", wf.Name, "step", step.ID, "attempts", attempts, "error", err)
	} else {
		res.Status = StatusSuccess
		e.logger.Info("Step completed",
			"workflow", wf.Name, "step", step.ID, "elapsed", time.Since(res.StartedAt))
	}

	res.EndedAt = time.Now().UTC()
	if step.Register != "" && res.Status == StatusSuccess {
		binds = append(binds, binding{name: step.Register, value: res.Value})
	}
	if e.events != nil {
		e.events.StepFinished(wf.Name, res)
	}
	return res, binds
}

// runOnce performs a single attempt of the step body. It fills the result's
// output fields and returns an error when the attempt failed.
func (e *Executor) runOnce(ctx context.Context, wf *Workflow, step *Step, scope map[string]any, res *StepResult) ([]binding, error) {
	switch step.Type {
	case StepCommand, StepScript:
		return nil, e.runCommand(ctx, step, scope, res)
	case StepPrompt:
		return nil, e.runPrompt(ctx, step, scope, res)
	case StepWait:
		return nil, e.runWait(ctx, step, scope, res)
	case StepNotify:
		return nil, e.runNotify(ctx, step, scope, res)
	case StepManual:
		return nil, e.runManual(step, scope, res)
	case StepConditional:
		return e.runConditional(ctx, wf, step, scope, res)
	case StepParallel:
		return e.runParallel(ctx, wf, step, scope, res)
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Executor) runCommand(ctx context.Context, step *Step, scope map[string]any, res *StepResult) error {
	command, err := e.templates.Resolve(step.Command, scope)
	if err != nil {
		return err
	}
	env, err := e.templates.ResolveStringMap(step.Environment, scope)
	if err != nil {
		return err
	}

	if e.dryRun {
		// Keep register bindings truthy so downstream when conditions
		// follow the same control flow they would in a real run.
		res.Output = "would execute: " + command
		res.Value = res.Output
		return nil
	}

	out, err := e.runner.Run(ctx, CommandRequest{
		Command: command,
		Shell:   step.Shell,
		Timeout: step.EffectiveTimeout(),
		Env:     env,
	})
	if out != nil {
		res.Output = out.Output()
		res.ReturnCode = out.ExitCode
	}
	switch {
	case err != nil:
		return err
	case out.TimedOut:
		return fmt.Errorf("command timed out after %s", step.EffectiveTimeout())
	case out.ExitCode != 0:
		return fmt.Errorf("command exited with code %d", out.ExitCode)
	}
	res.Value = strings.TrimRight(out.Stdout, "\n")
	return nil
}

func (e *Executor) runPrompt(ctx context.Context, step *Step, scope map[string]any, res *StepResult) error {
	message, err := e.templates.Resolve(step.Prompt.Message, scope)
	if err != nil {
		return err
	}
	prompter := e.prompter
	if e.dryRun {
		prompter = NonInteractivePrompter{}
	}

	switch step.Prompt.Type {
	case PromptInput:
		answer, err := prompter.Input(ctx, message, step.Prompt.Default)
		if err != nil {
			return err
		}
		res.Output = answer
		res.Value = answer
	case PromptChoice:
		answer, err := prompter.Choice(ctx, message, step.Prompt.Choices, step.Prompt.Default)
		if err != nil {
			return err
		}
		valid := false
		for _, c := range step.Prompt.Choices {
			if c == answer {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("answer %q is not one of the declared choices", answer)
		}
		res.Output = answer
		res.Value = answer
	default: // confirm
		answer, err := prompter.Confirm(ctx, message, parseConfirmDefault(step.Prompt.Default))
		if err != nil {
			return err
		}
		res.Output = fmt.Sprintf("%t", answer)
		res.Value = answer
		if !answer {
			return fmt.Errorf("confirmation declined")
		}
	}
	return nil
}

// runWait polls the wait condition until it holds or the wait times out. In
// addition to the workflow variables, the expression sees `attempt` (poll
// count, starting at 1) and `elapsed_seconds`.
func (e *Executor) runWait(ctx context.Context, step *Step, scope map[string]any, res *StepResult) error {
	w := step.Wait
	pollScope := make(map[string]any, len(scope)+2)
	for k, v := range scope {
		pollScope[k] = v
	}

	if e.dryRun {
		pollScope["attempt"] = 1
		pollScope["elapsed_seconds"] = 0.0
		ok, err := EvalCondition(w.Condition, pollScope)
		if err != nil {
			return err
		}
		res.Output = fmt.Sprintf("would wait for condition (currently %t)", ok)
		res.Value = ok
		return nil
	}

	start := time.Now()
	deadline := start.Add(w.EffectiveTimeout())
	for attempt := 1; ; attempt++ {
		pollScope["attempt"] = attempt
		pollScope["elapsed_seconds"] = time.Since(start).Seconds()
		ok, err := EvalCondition(w.Condition, pollScope)
		if err != nil {
			return err
		}
		if ok {
			res.Output = fmt.Sprintf("condition met after %d polls", attempt)
			res.Value = true
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wait condition not met after %s", w.EffectiveTimeout())
		}
		if err := e.sleep(ctx, w.EffectiveInterval()); err != nil {
			return err
		}
	}
}

func (e *Executor) runNotify(ctx context.Context, step *Step, scope map[string]any, res *StepResult) error {
	message, err := e.templates.Resolve(step.Notify.Message, scope)
	if err != nil {
		return err
	}
	if e.dryRun {
		res.Output = fmt.Sprintf("would notify %s: %s", step.Notify.Channel, message)
		res.Value = true
		return nil
	}
	if e.notifier == nil {
		return fmt.Errorf("no notifier configured for channel %q", step.Notify.Channel)
	}
	if err := e.notifier.Notify(ctx, step.Notify.Channel, message); err != nil {
		return fmt.Errorf("notify %s: %w", step.Notify.Channel, err)
	}
	res.Output = message
	res.Value = true
	return nil
}

// runManual records a documentation-only step. The command field, when set,
// carries the operator instructions.
func (e *Executor) runManual(step *Step, scope map[string]any, res *StepResult) error {
	text, err := e.templates.Resolve(step.Command, scope)
	if err != nil {
		return err
	}
	res.Output = text
	res.Value = true
	return nil
}

func (e *Executor) runConditional(ctx context.Context, wf *Workflow, step *Step, scope map[string]any, res *StepResult) ([]binding, error) {
	res.Children = nil // reset on retry
	ok, err := EvalCondition(step.Conditional.Condition, scope)
	if err != nil {
		return nil, err
	}
	branch := step.Conditional.Then
	if !ok {
		branch = step.Conditional.Else
	}
	res.Value = ok

	var binds []binding
	var failed *StepResult
	for i := range branch {
		child := &branch[i]
		childRes, childBinds := e.runStep(ctx, wf, child, scope)
		res.Children = append(res.Children, *childRes)
		binds = append(binds, childBinds...)
		if childRes.Status == StatusFailed && e.effectivePolicy(wf, child) != OnFailureContinue {
			failed = childRes
			break
		}
	}
	if failed != nil {
		return binds, fmt.Errorf("branch step %q failed: %s", failed.StepID, failed.Error)
	}
	return binds, nil
}

func (e *Executor) runParallel(ctx context.Context, wf *Workflow, step *Step, scope map[string]any, res *StepResult) ([]binding, error) {
	res.Parallel = nil // reset on retry
	children := step.Parallel.Steps
	limit := step.Parallel.MaxParallel
	if limit <= 0 {
		limit = len(children)
	}

	results := make([]*StepResult, len(children))
	childBinds := make([][]binding, len(children))
	var grp errgroup.Group
	grp.SetLimit(limit)
	for i := range children {
		i := i
		grp.Go(func() error {
			results[i], childBinds[i] = e.runStep(ctx, wf, &children[i], scope)
			return nil
		})
	}
	_ = grp.Wait()

	ordered := make([]StepResult, len(children))
	var binds []binding
	for i := range results {
		ordered[i] = *results[i]
		binds = append(binds, childBinds[i]...)
	}
	pr := summarizeParallel(ordered)
	res.Parallel = pr
	res.Value = pr

	for i := range children {
		if ordered[i].Status == StatusFailed && e.effectivePolicy(wf, &children[i]) != OnFailureContinue {
			return binds, fmt.Errorf("parallel child %q failed: %s", ordered[i].StepID, ordered[i].Error)
		}
	}
	return binds, nil
}

// recordSkip produces the result for a step that never ran (upstream failure
// or cancellation), emitting the same lifecycle signals as executed steps.
func (e *Executor) recordSkip(wf *Workflow, step *Step, reason string) *StepResult {
	now := time.Now().UTC()
	res := &StepResult{
		StepID:        step.ID,
		Name:          step.Name,
		Type:          step.Type,
		Status:        StatusSkipped,
		StartedAt:     now,
		EndedAt:       now,
		SkippedReason: reason,
		DryRun:        e.dryRun,
	}
	e.logger.Info("Step skipped", "workflow", wf.Name, "step", step.ID, "reason", reason)
	if e.events != nil {
		e.events.StepFinished(wf.Name, res)
	}
	return res
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
