package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Canary phase prefixes; the full phase carries the percent, e.g.
// "shifting-traffic:25%" or "awaiting-promotion:25%".
const (
	PhaseShiftingTraffic   = "shifting-traffic"
	PhaseAwaitingPromotion = "awaiting-promotion"
)

// CanaryConfig holds the tunable parameters for canary deployments.
type CanaryConfig struct {
	InitialPercent int           `json:"initial_percent"` // default 10
	Increment      int           `json:"increment"`       // default 20
	Interval       time.Duration `json:"interval"`        // pause between increments, default 30s
	// RequirePromotion stops after each healthy increment; the rollout
	// advances only when Execute is invoked again.
	RequirePromotion bool `json:"require_promotion"`
}

// DefaultCanaryConfig returns the default canary configuration.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		InitialPercent: 10,
		Increment:      20,
		Interval:       30 * time.Second,
	}
}

// CanaryStrategy shifts traffic to the new version in increasing percentage
// steps, health-checking between increments. Any increment's health failure
// halts the rollout and reverts traffic to 0%.
type CanaryStrategy struct {
	store    Store
	prober   HealthProber
	platform Platform
	logger   *slog.Logger
	sleep    sleepFunc
}

// NewCanaryStrategy creates a CanaryStrategy. A nil platform falls back to
// LogPlatform, a nil prober passes every gate, a nil logger falls back to
// slog.Default().
func NewCanaryStrategy(store Store, prober HealthProber, platform Platform, logger *slog.Logger) *CanaryStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if platform == nil {
		platform = NewLogPlatform(logger)
	}
	return &CanaryStrategy{
		store:    store,
		prober:   prober,
		platform: platform,
		logger:   logger,
		sleep:    waitOrCancel,
	}
}

// Name returns the strategy identifier.
func (s *CanaryStrategy) Name() string { return StrategyCanary }

// Validate checks the canary-specific configuration.
func (s *CanaryStrategy) Validate(config map[string]any) error {
	if config == nil {
		return nil
	}
	if v, ok := config["initial_percent"]; ok {
		pct, err := toInt(v)
		if err != nil || pct <= 0 || pct > 100 {
			return fmt.Errorf("initial_percent must be between 0 and 100 (exclusive of 0)")
		}
	}
	if v, ok := config["increment"]; ok {
		inc, err := toInt(v)
		if err != nil || inc <= 0 || inc > 100 {
			return fmt.Errorf("increment must be between 0 and 100 (exclusive of 0)")
		}
	}
	if v, ok := config["interval"]; ok {
		d, err := parseDurationValue(v)
		if err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	}
	if v, ok := config["require_promotion"]; ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("require_promotion must be a boolean")
		}
	}
	return nil
}

// Execute drives the traffic shift. Resume rules: a "shifting-traffic:N%"
// phase re-applies the recorded shift (it may or may not have reached the
// platform before a crash; shifts are idempotent); an "awaiting-promotion:N%"
// phase means N% is already verified, so execution advances to the next
// increment.
func (s *CanaryStrategy) Execute(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.IsComplete() {
		return fmt.Errorf("deployment %s is already %s", d.ID, d.Status)
	}
	if d.Phase == PhaseRestoringTraffic {
		return fmt.Errorf("deployment %s has a rollback in progress", d.ID)
	}
	cfg := parseCanaryConfig(d.Config)

	pct := cfg.InitialPercent
	if p, ok := parsePercentPhase(d.Phase, PhaseShiftingTraffic); ok {
		pct = p
	} else if p, ok := parsePercentPhase(d.Phase, PhaseAwaitingPromotion); ok {
		pct = nextPercent(p, cfg.Increment)
	}

	s.logger.Info("canary deploy starting",
		"deployment", d.ID, "name", d.Name, "version", d.Version,
		"percent", pct, "increment", cfg.Increment,
		"require_promotion", cfg.RequirePromotion)

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("cancelled at %d%% canary", pct), err)
		}

		phase := fmt.Sprintf("%s:%d%%", PhaseShiftingTraffic, pct)
		if err := persistTransition(ctx, s.store, d, StatusInProgress, phase); err != nil {
			return err
		}
		if err := s.platform.ShiftTraffic(ctx, d, pct); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("traffic shift to %d%% failed", pct), err)
		}

		target := fmt.Sprintf("canary:%d%%", pct)
		if err := healthGate(ctx, s.prober, d, target, s.sleep); err != nil {
			return s.revert(ctx, d, pct, err)
		}
		s.logger.Info("canary increment healthy", "deployment", d.ID, "percent", pct)

		if pct >= 100 {
			break
		}
		if cfg.RequirePromotion {
			hold := fmt.Sprintf("%s:%d%%", PhaseAwaitingPromotion, pct)
			if err := persistTransition(ctx, s.store, d, StatusInProgress, hold); err != nil {
				return err
			}
			s.logger.Info("canary awaiting promotion", "deployment", d.ID, "percent", pct)
			return nil
		}
		if cfg.Interval > 0 {
			if err := s.sleep(ctx, cfg.Interval); err != nil {
				return s.fail(ctx, d, fmt.Sprintf("cancelled at %d%% canary", pct), err)
			}
		}
		pct = nextPercent(pct, cfg.Increment)
	}

	if err := persistTransition(ctx, s.store, d, StatusSucceeded, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("canary deploy complete", "deployment", d.ID, "version", d.Version)
	return nil
}

// Rollback immediately shifts all canary traffic back to the stable version.
func (s *CanaryStrategy) Rollback(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.Status == StatusRolledBack {
		return fmt.Errorf("deployment %s is already rolled back", d.ID)
	}

	d.Reason = fmt.Sprintf("rollback: traffic restored to %s", d.PreviousVersion)
	if err := persistTransition(ctx, s.store, d, StatusInProgress, PhaseRestoringTraffic); err != nil {
		return err
	}
	if err := s.platform.ShiftTraffic(ctx, d, 0); err != nil {
		return s.fail(ctx, d, "rollback traffic shift failed", err)
	}
	if err := persistTransition(ctx, s.store, d, StatusRolledBack, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("canary rollback complete",
		"deployment", d.ID, "stable_version", d.PreviousVersion)
	return nil
}

// revert handles a health-gate failure: the failed status with traffic
// reverted to 0% is persisted first, then the shift back is applied. Reload
// after a crash anywhere in between sees a terminal record at 0%.
func (s *CanaryStrategy) revert(ctx context.Context, d *Deployment, pct int, cause error) error {
	d.Reason = fmt.Sprintf("canary unhealthy at %d%%: %v", pct, cause)
	s.logger.Warn("canary unhealthy, reverting traffic",
		"deployment", d.ID, "percent", pct, "error", cause)

	zero := fmt.Sprintf("%s:0%%", PhaseShiftingTraffic)
	if err := persistTransition(ctx, s.store, d, StatusFailed, zero); err != nil {
		return fmt.Errorf("canary unhealthy at %d%%: %v (additionally: %w)", pct, cause, err)
	}
	if err := s.platform.ShiftTraffic(ctx, d, 0); err != nil {
		return fmt.Errorf("canary unhealthy at %d%%: %v (revert failed: %w)", pct, cause, err)
	}
	return fmt.Errorf("canary health check failed at %d%%: %w", pct, cause)
}

func (s *CanaryStrategy) fail(ctx context.Context, d *Deployment, reason string, cause error) error {
	d.Reason = fmt.Sprintf("%s: %v", reason, cause)
	s.logger.Error("canary deploy failed", "deployment", d.ID, "phase", d.Phase, "error", cause)
	if err := persistTransition(ctx, s.store, d, StatusFailed, d.Phase); err != nil {
		return fmt.Errorf("%s: %v (additionally: %w)", reason, cause, err)
	}
	return fmt.Errorf("%s: %w", reason, cause)
}

func nextPercent(pct, increment int) int {
	pct += increment
	if pct > 100 {
		pct = 100
	}
	return pct
}

// parsePercentPhase decodes "<prefix>:<percent>%" phases.
func parsePercentPhase(phase, prefix string) (int, bool) {
	var pct int
	n, err := fmt.Sscanf(phase, prefix+":%d%%", &pct)
	if err != nil || n != 1 {
		return 0, false
	}
	return pct, true
}

// parseCanaryConfig extracts CanaryConfig from the raw map, defaulting
// missing fields.
func parseCanaryConfig(raw map[string]any) CanaryConfig {
	cfg := DefaultCanaryConfig()
	if raw == nil {
		return cfg
	}
	if v, ok := raw["initial_percent"]; ok {
		if n, err := toInt(v); err == nil && n > 0 && n <= 100 {
			cfg.InitialPercent = n
		}
	}
	if v, ok := raw["increment"]; ok {
		if n, err := toInt(v); err == nil && n > 0 && n <= 100 {
			cfg.Increment = n
		}
	}
	if v, ok := raw["interval"]; ok {
		if d, err := parseDurationValue(v); err == nil && d > 0 {
			cfg.Interval = d
		}
	}
	if v, ok := raw["require_promotion"]; ok {
		if b, isBool := v.(bool); isBool {
			cfg.RequirePromotion = b
		}
	}
	return cfg
}
