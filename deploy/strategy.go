package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StrategyExecutor advances a Deployment through its rollout phases and
// reports success or failure through the record's status, phase and reason
// fields. Executors persist every phase transition before performing the
// corresponding external action.
type StrategyExecutor interface {
	// Name returns the strategy identifier ("rolling", "blue-green",
	// "canary").
	Name() string

	// Validate checks the strategy-specific configuration before any
	// record is created.
	Validate(config map[string]any) error

	// Execute drives the rollout to a terminal status. Calling it on a
	// record whose phase shows partial progress resumes from that phase;
	// calling it on a terminal record is an error.
	Execute(ctx context.Context, d *Deployment) error

	// Rollback restores the previous version. It is caller-invoked, never
	// automatic.
	Rollback(ctx context.Context, d *Deployment) error
}

// HealthProber answers "is this target healthy right now". The caller
// supplies it, backed by whatever monitoring is configured; strategies only
// interpret the boolean.
type HealthProber interface {
	Healthy(ctx context.Context, d *Deployment, target string) (bool, error)
}

// ProberFunc adapts a function to the HealthProber interface.
type ProberFunc func(ctx context.Context, d *Deployment, target string) (bool, error)

// Healthy implements HealthProber.
func (f ProberFunc) Healthy(ctx context.Context, d *Deployment, target string) (bool, error) {
	return f(ctx, d, target)
}

// Platform performs the external actions a rollout needs. Implementations
// talk to the real substrate (orchestrator, load balancer, cloud API); all
// actions must be idempotent, because a resumed rollout may re-apply the last
// recorded one.
type Platform interface {
	// ReplaceInstances replaces count instances with d.Version as rolling
	// batch number batch.
	ReplaceInstances(ctx context.Context, d *Deployment, batch, count int) error

	// ProvisionStandby stands up a complete standby environment running
	// d.Version.
	ProvisionStandby(ctx context.Context, d *Deployment) error

	// SwitchTraffic atomically points all traffic at the named
	// environment.
	SwitchTraffic(ctx context.Context, d *Deployment, env string) error

	// ShiftTraffic routes percent of traffic to d.Version.
	ShiftTraffic(ctx context.Context, d *Deployment, percent int) error
}

// LogPlatform is the reference Platform: it performs no external work and
// records every action to the log. Useful for dry runs and as a wiring
// default.
type LogPlatform struct {
	logger *slog.Logger
}

// NewLogPlatform creates a LogPlatform. A nil logger falls back to
// slog.Default().
func NewLogPlatform(logger *slog.Logger) *LogPlatform {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPlatform{logger: logger}
}

func (p *LogPlatform) ReplaceInstances(_ context.Context, d *Deployment, batch, count int) error {
	p.logger.Info("replace instances", "deployment", d.ID, "version", d.Version, "batch", batch, "count", count)
	return nil
}

func (p *LogPlatform) ProvisionStandby(_ context.Context, d *Deployment) error {
	p.logger.Info("provision standby", "deployment", d.ID, "version", d.Version)
	return nil
}

func (p *LogPlatform) SwitchTraffic(_ context.Context, d *Deployment, env string) error {
	p.logger.Info("switch traffic", "deployment", d.ID, "env", env)
	return nil
}

func (p *LogPlatform) ShiftTraffic(_ context.Context, d *Deployment, percent int) error {
	p.logger.Info("shift traffic", "deployment", d.ID, "version", d.Version, "percent", percent)
	return nil
}

// persistTransition records the next status/phase pair before the external
// action it precedes. A persistence failure is fatal to the rollout.
func persistTransition(ctx context.Context, store Store, d *Deployment, status DeploymentStatus, phase string) error {
	if store == nil {
		return fmt.Errorf("no deployment store configured")
	}
	d.Status = status
	d.Phase = phase
	d.UpdatedAt = time.Now().UTC()
	if err := store.Save(ctx, d); err != nil {
		return fmt.Errorf("persist phase %q: %w", phase, err)
	}
	return nil
}

// healthGate probes the target until it reports healthy, up to the
// deployment's configured retry budget. A nil prober always passes.
func healthGate(ctx context.Context, prober HealthProber, d *Deployment, target string, sleep sleepFunc) error {
	if prober == nil {
		return nil
	}
	retries := d.HealthCheck.EffectiveRetries()
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		healthy, err := prober.Healthy(ctx, d, target)
		switch {
		case err != nil:
			lastErr = err
		case healthy:
			return nil
		default:
			lastErr = fmt.Errorf("target %s reported unhealthy", target)
		}
		if attempt < retries {
			if err := sleep(ctx, d.HealthCheck.EffectiveInterval()); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("health check failed after %d attempts: %w", retries, lastErr)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func waitOrCancel(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toInt converts the numeric types a decoded config map may carry.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case float32:
		return int(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

// parseDurationValue accepts a duration string ("30s") or a bare number of
// seconds, the two shapes a decoded config map produces.
func parseDurationValue(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, err
		}
		return d, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	default:
		return 0, fmt.Errorf("must be a duration string or number of seconds, got %T", v)
	}
}
