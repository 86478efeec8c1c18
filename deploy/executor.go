package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Request describes a rollout to start.
type Request struct {
	Name            string         `json:"name" yaml:"name"`
	Namespace       string         `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Strategy        string         `json:"strategy" yaml:"strategy"`
	Version         string         `json:"version" yaml:"version"`
	PreviousVersion string         `json:"previous_version,omitempty" yaml:"previous_version,omitempty"`
	Config          map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	HealthCheck     HealthCheck    `json:"health_check,omitempty" yaml:"health_check,omitempty"`
}

// Executor is the deployment entry point: it validates the strategy config
// before any record exists, refuses overlapping rollouts of the same
// name/namespace, persists the pending record and hands it to the strategy.
type Executor struct {
	registry *Registry
	store    Store
	logger   *slog.Logger
}

// NewExecutor creates an Executor over the given registry and store. A nil
// logger falls back to slog.Default().
func NewExecutor(registry *Registry, store Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		store:    store,
		logger:   logger,
	}
}

// Deploy starts a rollout and drives it to completion (or, for strategies
// holding for promotion, to the next hold point). The returned record
// reflects the final persisted state even when the rollout failed.
func (e *Executor) Deploy(ctx context.Context, req Request) (*Deployment, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("deployment name is required")
	}
	if req.Version == "" {
		return nil, fmt.Errorf("deployment version is required")
	}
	strategy, err := e.registry.Require(req.Strategy)
	if err != nil {
		return nil, err
	}
	if err := strategy.Validate(req.Config); err != nil {
		return nil, fmt.Errorf("invalid config for strategy %q: %w", req.Strategy, err)
	}

	if prev, err := e.store.GetByName(ctx, req.Name, req.Namespace); err == nil {
		if prev.IsActive() {
			return nil, fmt.Errorf("deployment %q in namespace %q is already active (id %s)",
				req.Name, req.Namespace, prev.ID)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check existing deployments: %w", err)
	}

	d := NewDeployment(req.Name, req.Namespace, req.Strategy, req.Version)
	d.PreviousVersion = req.PreviousVersion
	d.Config = req.Config
	d.HealthCheck = req.HealthCheck
	if err := e.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("persist deployment %s: %w", d.ID, err)
	}
	e.logger.Info("deployment created",
		"deployment", d.ID, "name", d.Name, "namespace", d.Namespace,
		"strategy", d.Strategy, "version", d.Version)

	return d, strategy.Execute(ctx, d)
}

// Resume continues an in-flight rollout from its last persisted phase, e.g.
// after a crash or to promote a held canary.
func (e *Executor) Resume(ctx context.Context, id string) (*Deployment, error) {
	d, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsComplete() {
		return d, fmt.Errorf("deployment %s is already %s", d.ID, d.Status)
	}
	strategy, err := e.registry.Require(d.Strategy)
	if err != nil {
		return d, err
	}
	e.logger.Info("deployment resuming",
		"deployment", d.ID, "strategy", d.Strategy, "phase", d.Phase)
	return d, strategy.Execute(ctx, d)
}

// Rollback restores the previous version of the identified deployment.
func (e *Executor) Rollback(ctx context.Context, id string) (*Deployment, error) {
	d, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	strategy, err := e.registry.Require(d.Strategy)
	if err != nil {
		return d, err
	}
	e.logger.Info("deployment rollback requested",
		"deployment", d.ID, "strategy", d.Strategy, "status", d.Status)
	return d, strategy.Rollback(ctx, d)
}
