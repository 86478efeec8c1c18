// Package opsrun wires the runbook executor and the deployment machinery into
// a single engine. The Builder assembles the pieces — store, strategies,
// notifiers, command runner, metrics — with sensible defaults so a CLI or
// embedding service can bring up a working engine in a few lines:
//
//	engine, err := opsrun.NewBuilder().
//	    WithStore(st).
//	    WithNotifier("#deploys", webhook).
//	    Build()
package opsrun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/opsrun/opsrun/config"
	"github.com/opsrun/opsrun/deploy"
	"github.com/opsrun/opsrun/metrics"
	"github.com/opsrun/opsrun/notify"
	"github.com/opsrun/opsrun/runbook"
	"github.com/opsrun/opsrun/store"
)

// Engine is the wired entry point for running workflows and driving
// deployments. Construct it with NewBuilder; the zero value is not usable.
type Engine struct {
	logger    *slog.Logger
	executor  *runbook.Executor
	deployer  *deploy.Executor
	registry  *deploy.Registry
	store     deploy.Store
	notifiers *notify.Registry
	collector *metrics.Collector
}

// Run executes an in-memory workflow definition.
func (e *Engine) Run(ctx context.Context, wf *runbook.Workflow, inputs map[string]any) (*runbook.WorkflowResult, error) {
	return e.executor.Run(ctx, wf, inputs)
}

// RunFile loads a workflow definition from a YAML file and executes it.
func (e *Engine) RunFile(ctx context.Context, path string, inputs map[string]any) (*runbook.WorkflowResult, error) {
	wf, err := config.LoadWorkflow(path)
	if err != nil {
		return nil, err
	}
	return e.executor.Run(ctx, wf, inputs)
}

// Deploy starts a rollout and records its terminal outcome in the metrics
// collector. See deploy.Executor.Deploy for the full contract.
func (e *Engine) Deploy(ctx context.Context, req deploy.Request) (*deploy.Deployment, error) {
	d, err := e.deployer.Deploy(ctx, req)
	e.recordOutcome(d)
	return d, err
}

// ResumeDeployment continues an in-flight rollout from its last persisted
// phase.
func (e *Engine) ResumeDeployment(ctx context.Context, id string) (*deploy.Deployment, error) {
	d, err := e.deployer.Resume(ctx, id)
	e.recordOutcome(d)
	return d, err
}

// RollbackDeployment restores the previous version of the identified
// deployment.
func (e *Engine) RollbackDeployment(ctx context.Context, id string) (*deploy.Deployment, error) {
	d, err := e.deployer.Rollback(ctx, id)
	e.recordOutcome(d)
	return d, err
}

// Deployments lists persisted deployment records, newest first.
func (e *Engine) Deployments(ctx context.Context, f deploy.Filter) ([]*deploy.Deployment, error) {
	return e.store.List(ctx, f)
}

// ActiveDeployments lists rollouts in a non-terminal status.
func (e *Engine) ActiveDeployments(ctx context.Context) ([]*deploy.Deployment, error) {
	return e.store.ListActive(ctx)
}

// CleanupDeployments removes complete deployment records older than the
// cutoff and returns how many were deleted.
func (e *Engine) CleanupDeployments(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.store.CleanupOld(ctx, olderThan)
}

// Strategies returns the sorted names of the registered deployment
// strategies.
func (e *Engine) Strategies() []string {
	return e.registry.List()
}

// RegisterStrategy adds a custom deployment strategy, replacing any existing
// strategy with the same name.
func (e *Engine) RegisterStrategy(s deploy.StrategyExecutor) {
	e.registry.Register(s)
}

// RegisterNotifier routes notify-step messages for the given channel to n.
func (e *Engine) RegisterNotifier(channel string, n runbook.Notifier) {
	e.notifiers.Register(channel, n)
}

// MetricsHandler serves the engine's metrics registry in Prometheus
// exposition format.
func (e *Engine) MetricsHandler() http.Handler {
	return e.collector.Handler()
}

func (e *Engine) recordOutcome(d *deploy.Deployment) {
	if d == nil || !d.IsComplete() {
		return
	}
	e.collector.RecordDeployment(d.Strategy, string(d.Status))
}

// eventFanout delivers executor lifecycle callbacks to every registered sink.
type eventFanout []runbook.Events

func (f eventFanout) StepStarted(workflow, stepID string) {
	for _, e := range f {
		e.StepStarted(workflow, stepID)
	}
}

func (f eventFanout) StepFinished(workflow string, result *runbook.StepResult) {
	for _, e := range f {
		e.StepFinished(workflow, result)
	}
}

func (f eventFanout) RunFinished(workflow string, result *runbook.WorkflowResult) {
	for _, e := range f {
		e.RunFinished(workflow, result)
	}
}

// Builder assembles an Engine. Every dependency has a default: an unset store
// falls back to a FileStore under the user's home directory, an unset
// platform logs its actions instead of touching infrastructure, and an unset
// runner executes commands through the local shell.
type Builder struct {
	logger   *slog.Logger
	store    deploy.Store
	runner   runbook.CommandRunner
	prompter runbook.Prompter
	prober   deploy.HealthProber
	platform deploy.Platform

	notifiers       map[string]runbook.Notifier
	defaultNotifier runbook.Notifier
	strategies      []deploy.StrategyExecutor
	events          []runbook.Events

	maxParallel      int
	dryRun           bool
	metricsNamespace string

	storeFactory func(logger *slog.Logger) (deploy.Store, error)
}

// NewBuilder creates a Builder with no dependencies configured.
func NewBuilder() *Builder {
	return &Builder{
		notifiers: make(map[string]runbook.Notifier),
	}
}

// WithLogger sets the logger shared by all engine components. If not called,
// Build uses a text handler writing to stdout at info level.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithStore sets the deployment store. If not called, Build opens a FileStore
// under the default directory.
func (b *Builder) WithStore(s deploy.Store) *Builder {
	b.store = s
	return b
}

// WithStoreFactory defers store construction until Build, so the store can
// share the engine logger. WithStore takes precedence.
func (b *Builder) WithStoreFactory(f func(logger *slog.Logger) (deploy.Store, error)) *Builder {
	b.storeFactory = f
	return b
}

// WithRunner sets the command runner used by command and script steps.
func (b *Builder) WithRunner(r runbook.CommandRunner) *Builder {
	b.runner = r
	return b
}

// WithPrompter sets the prompter used by prompt and manual steps.
func (b *Builder) WithPrompter(p runbook.Prompter) *Builder {
	b.prompter = p
	return b
}

// WithProber sets the health prober consulted between rollout phases. If not
// called, health gates pass unconditionally.
func (b *Builder) WithProber(p deploy.HealthProber) *Builder {
	b.prober = p
	return b
}

// WithPlatform sets the substrate the deployment strategies act on. If not
// called, Build uses a LogPlatform that only records actions.
func (b *Builder) WithPlatform(p deploy.Platform) *Builder {
	b.platform = p
	return b
}

// WithNotifier routes notify-step messages for the given channel to n.
func (b *Builder) WithNotifier(channel string, n runbook.Notifier) *Builder {
	b.notifiers[channel] = n
	return b
}

// WithDefaultNotifier sets the fallback for channels with no dedicated
// notifier.
func (b *Builder) WithDefaultNotifier(n runbook.Notifier) *Builder {
	b.defaultNotifier = n
	return b
}

// WithStrategy registers a custom deployment strategy alongside the
// built-ins.
func (b *Builder) WithStrategy(s deploy.StrategyExecutor) *Builder {
	b.strategies = append(b.strategies, s)
	return b
}

// WithEvents adds a lifecycle callback sink alongside the engine's metrics
// collector.
func (b *Builder) WithEvents(ev runbook.Events) *Builder {
	if ev != nil {
		b.events = append(b.events, ev)
	}
	return b
}

// WithMaxParallel caps how many steps of one layer run concurrently.
func (b *Builder) WithMaxParallel(n int) *Builder {
	b.maxParallel = n
	return b
}

// WithDryRun builds an engine whose workflow runs trace execution without
// side effects.
func (b *Builder) WithDryRun(dry bool) *Builder {
	b.dryRun = dry
	return b
}

// WithMetricsNamespace overrides the metric name prefix (default "opsrun").
func (b *Builder) WithMetricsNamespace(ns string) *Builder {
	b.metricsNamespace = ns
	return b
}

// Build creates the Engine, filling in defaults for anything not configured.
func (b *Builder) Build() (*Engine, error) {
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	st := b.store
	if st == nil && b.storeFactory != nil {
		var err error
		st, err = b.storeFactory(logger)
		if err != nil {
			return nil, fmt.Errorf("build store: %w", err)
		}
	}
	if st == nil {
		dir, err := store.DefaultDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default store directory: %w", err)
		}
		st, err = store.NewFileStore(dir, logger)
		if err != nil {
			return nil, fmt.Errorf("open default store: %w", err)
		}
	}

	platform := b.platform
	if platform == nil {
		platform = deploy.NewLogPlatform(logger)
	}

	registry := deploy.NewRegistry(st, b.prober, platform, logger)
	for _, s := range b.strategies {
		registry.Register(s)
	}

	notifiers := notify.NewRegistry(logger)
	for channel, n := range b.notifiers {
		notifiers.Register(channel, n)
	}
	if b.defaultNotifier != nil {
		notifiers.SetDefault(b.defaultNotifier)
	}

	collector := metrics.NewCollector(b.metricsNamespace)

	executor := runbook.NewExecutor(b.runner, logger)
	executor.SetNotifier(notifiers)
	executor.SetPrompter(b.prompter)
	executor.SetDryRun(b.dryRun)
	if b.maxParallel > 0 {
		executor.SetMaxParallel(b.maxParallel)
	}
	if len(b.events) > 0 {
		executor.SetEvents(append(eventFanout{collector}, b.events...))
	} else {
		executor.SetEvents(collector)
	}

	return &Engine{
		logger:    logger,
		executor:  executor,
		deployer:  deploy.NewExecutor(registry, st, logger),
		registry:  registry,
		store:     st,
		notifiers: notifiers,
		collector: collector,
	}, nil
}
