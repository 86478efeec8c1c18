package deploy

import (
	"context"
	"fmt"
	"log/slog"
)

// Blue-green slot names, as passed to Platform.SwitchTraffic.
const (
	EnvBlue  = "blue"
	EnvGreen = "green"
)

// Blue-green rollout phases, in order.
const (
	PhaseProvisioningGreen = "provisioning-green"
	PhaseVerifyingGreen    = "verifying-green"
	PhaseSwitchingTraffic  = "switching-traffic"
)

// BlueGreenStrategy stands up a complete parallel environment running the new
// version, health-checks it as a whole, then atomically switches traffic to
// it. Rollback is cheap while the old environment is intact: switch traffic
// back.
type BlueGreenStrategy struct {
	store    Store
	prober   HealthProber
	platform Platform
	logger   *slog.Logger
	sleep    sleepFunc
}

// NewBlueGreenStrategy creates a BlueGreenStrategy. A nil platform falls back
// to LogPlatform, a nil prober passes every gate, a nil logger falls back to
// slog.Default().
func NewBlueGreenStrategy(store Store, prober HealthProber, platform Platform, logger *slog.Logger) *BlueGreenStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if platform == nil {
		platform = NewLogPlatform(logger)
	}
	return &BlueGreenStrategy{
		store:    store,
		prober:   prober,
		platform: platform,
		logger:   logger,
		sleep:    waitOrCancel,
	}
}

// Name returns the strategy identifier.
func (s *BlueGreenStrategy) Name() string { return StrategyBlueGreen }

// Validate checks the blue-green configuration. There are no required
// fields; an optional verify_timeout must be a valid duration.
func (s *BlueGreenStrategy) Validate(config map[string]any) error {
	if config == nil {
		return nil
	}
	if v, ok := config["verify_timeout"]; ok {
		d, err := parseDurationValue(v)
		if err != nil {
			return fmt.Errorf("invalid verify_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("verify_timeout must be positive")
		}
	}
	return nil
}

// Execute runs provision, verify, switch. A record whose phase names one of
// those stages resumes there, re-applying the recorded stage's action.
func (s *BlueGreenStrategy) Execute(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.IsComplete() {
		return fmt.Errorf("deployment %s is already %s", d.ID, d.Status)
	}

	const (
		stageProvision = iota
		stageVerify
		stageSwitch
	)
	stage := stageProvision
	switch d.Phase {
	case PhaseVerifyingGreen:
		stage = stageVerify
	case PhaseSwitchingTraffic:
		stage = stageSwitch
	case PhaseRestoringTraffic:
		return fmt.Errorf("deployment %s has a rollback in progress", d.ID)
	}

	s.logger.Info("blue-green deploy starting",
		"deployment", d.ID, "name", d.Name, "version", d.Version, "phase", d.Phase)

	if stage <= stageProvision {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, d, "cancelled before provisioning", err)
		}
		if err := persistTransition(ctx, s.store, d, StatusInProgress, PhaseProvisioningGreen); err != nil {
			return err
		}
		if err := s.platform.ProvisionStandby(ctx, d); err != nil {
			return s.fail(ctx, d, "provisioning green failed", err)
		}
		s.logger.Info("green environment provisioned", "deployment", d.ID, "version", d.Version)
	}

	if stage <= stageVerify {
		if err := persistTransition(ctx, s.store, d, StatusInProgress, PhaseVerifyingGreen); err != nil {
			return err
		}
		if err := healthGate(ctx, s.prober, d, EnvGreen, s.sleep); err != nil {
			return s.fail(ctx, d, "green environment unhealthy", err)
		}
		s.logger.Info("green environment verified", "deployment", d.ID)
	}

	if err := persistTransition(ctx, s.store, d, StatusInProgress, PhaseSwitchingTraffic); err != nil {
		return err
	}
	if err := s.platform.SwitchTraffic(ctx, d, EnvGreen); err != nil {
		return s.fail(ctx, d, "traffic switch failed", err)
	}
	if err := persistTransition(ctx, s.store, d, StatusSucceeded, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("blue-green deploy complete",
		"deployment", d.ID, "active_env", EnvGreen, "version", d.Version)
	return nil
}

// Rollback switches traffic back to the blue environment. It is valid on any
// record that has not already been rolled back, and leaves the green
// environment in place.
func (s *BlueGreenStrategy) Rollback(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.Status == StatusRolledBack {
		return fmt.Errorf("deployment %s is already rolled back", d.ID)
	}

	d.Reason = fmt.Sprintf("rollback: restoring traffic to %s", EnvBlue)
	if err := persistTransition(ctx, s.store, d, StatusInProgress, PhaseRestoringTraffic); err != nil {
		return err
	}
	if err := s.platform.SwitchTraffic(ctx, d, EnvBlue); err != nil {
		return s.fail(ctx, d, "rollback traffic switch failed", err)
	}
	if err := persistTransition(ctx, s.store, d, StatusRolledBack, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("blue-green rollback complete",
		"deployment", d.ID, "active_env", EnvBlue, "version", d.PreviousVersion)
	return nil
}

func (s *BlueGreenStrategy) fail(ctx context.Context, d *Deployment, reason string, cause error) error {
	d.Reason = fmt.Sprintf("%s: %v", reason, cause)
	s.logger.Error("blue-green deploy failed", "deployment", d.ID, "phase", d.Phase, "error", cause)
	if err := persistTransition(ctx, s.store, d, StatusFailed, d.Phase); err != nil {
		return fmt.Errorf("%s: %v (additionally: %w)", reason, cause, err)
	}
	return fmt.Errorf("%s: %w", reason, cause)
}
