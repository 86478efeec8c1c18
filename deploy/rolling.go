package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RollingConfig holds the tunable parameters for rolling deployments.
type RollingConfig struct {
	BatchSize int           `json:"batch_size"` // default 1
	Instances int           `json:"instances"`  // default batch_size * 3
	Delay     time.Duration `json:"delay"`      // pause between batches, default 5s
}

// DefaultRollingConfig returns the default rolling configuration.
func DefaultRollingConfig() RollingConfig {
	return RollingConfig{
		BatchSize: 1,
		Delay:     5 * time.Second,
	}
}

// RollingStrategy replaces instances incrementally in fixed-size batches,
// gating each batch on its health check. A batch failure halts progression
// and marks the deployment failed; already-replaced batches are not rolled
// back automatically.
type RollingStrategy struct {
	store    Store
	prober   HealthProber
	platform Platform
	logger   *slog.Logger
	sleep    sleepFunc
}

// NewRollingStrategy creates a RollingStrategy. A nil platform falls back to
// LogPlatform, a nil prober passes every gate, a nil logger falls back to
// slog.Default().
func NewRollingStrategy(store Store, prober HealthProber, platform Platform, logger *slog.Logger) *RollingStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if platform == nil {
		platform = NewLogPlatform(logger)
	}
	return &RollingStrategy{
		store:    store,
		prober:   prober,
		platform: platform,
		logger:   logger,
		sleep:    waitOrCancel,
	}
}

// Name returns the strategy identifier.
func (s *RollingStrategy) Name() string { return StrategyRolling }

// Validate checks the rolling-specific configuration.
func (s *RollingStrategy) Validate(config map[string]any) error {
	if config == nil {
		return nil
	}
	if v, ok := config["batch_size"]; ok {
		bs, err := toInt(v)
		if err != nil || bs < 1 {
			return fmt.Errorf("batch_size must be a positive integer")
		}
	}
	if v, ok := config["instances"]; ok {
		n, err := toInt(v)
		if err != nil || n < 1 {
			return fmt.Errorf("instances must be a positive integer")
		}
	}
	if v, ok := config["delay"]; ok {
		d, err := parseDurationValue(v)
		if err != nil {
			return fmt.Errorf("invalid delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("delay must be non-negative")
		}
	}
	return nil
}

// Execute performs the rolling rollout, batch by batch. A record whose phase
// already names a batch resumes there: the recorded batch is re-applied
// (replacement is idempotent) and progression continues.
func (s *RollingStrategy) Execute(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.IsComplete() {
		return fmt.Errorf("deployment %s is already %s", d.ID, d.Status)
	}
	if _, _, ok := parseBatchPhase(d.Phase, "rollback-batch"); ok {
		return fmt.Errorf("deployment %s has a rollback in progress", d.ID)
	}
	cfg := parseRollingConfig(d.Config)
	batches := (cfg.Instances + cfg.BatchSize - 1) / cfg.BatchSize

	start := 1
	if b, _, ok := parseBatchPhase(d.Phase, "rolling-batch"); ok {
		start = b
	}

	s.logger.Info("rolling deploy starting",
		"deployment", d.ID, "name", d.Name, "version", d.Version,
		"batch_size", cfg.BatchSize, "instances", cfg.Instances,
		"batches", batches, "start_batch", start)

	replaced := (start - 1) * cfg.BatchSize
	for batch := start; batch <= batches; batch++ {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("cancelled during batch %d/%d", batch, batches), err)
		}

		count := cfg.BatchSize
		if replaced+count > cfg.Instances {
			count = cfg.Instances - replaced
		}
		phase := fmt.Sprintf("rolling-batch:%d/%d", batch, batches)
		if err := persistTransition(ctx, s.store, d, StatusInProgress, phase); err != nil {
			return err
		}
		if err := s.platform.ReplaceInstances(ctx, d, batch, count); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("batch %d/%d replace failed", batch, batches), err)
		}
		target := fmt.Sprintf("batch:%d/%d", batch, batches)
		if err := healthGate(ctx, s.prober, d, target, s.sleep); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("batch %d/%d unhealthy", batch, batches), err)
		}
		replaced += count
		s.logger.Info("rolling batch healthy",
			"deployment", d.ID, "batch", batch, "replaced", replaced)

		if batch < batches && cfg.Delay > 0 {
			if err := s.sleep(ctx, cfg.Delay); err != nil {
				return s.fail(ctx, d, fmt.Sprintf("cancelled after batch %d/%d", batch, batches), err)
			}
		}
	}

	if err := persistTransition(ctx, s.store, d, StatusSucceeded, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("rolling deploy complete",
		"deployment", d.ID, "version", d.Version, "instances", replaced)
	return nil
}

// Rollback re-runs the batches with the previous version. The record's
// version pair is swapped first so the persisted state names what is actually
// being rolled out.
func (s *RollingStrategy) Rollback(ctx context.Context, d *Deployment) error {
	if d == nil {
		return fmt.Errorf("deployment is nil")
	}
	if d.Status == StatusRolledBack {
		return fmt.Errorf("deployment %s is already rolled back", d.ID)
	}

	cfg := parseRollingConfig(d.Config)
	batches := (cfg.Instances + cfg.BatchSize - 1) / cfg.BatchSize

	// A phase already naming a rollback batch means the version pair was
	// swapped before the crash; resume there without swapping again.
	start := 1
	if b, _, ok := parseBatchPhase(d.Phase, "rollback-batch"); ok {
		start = b
	} else {
		if d.PreviousVersion == "" {
			return fmt.Errorf("deployment %s has no previous version to roll back to", d.ID)
		}
		d.Version, d.PreviousVersion = d.PreviousVersion, d.Version
	}

	s.logger.Info("rolling rollback starting",
		"deployment", d.ID, "restore_version", d.Version,
		"batches", batches, "start_batch", start)

	replaced := (start - 1) * cfg.BatchSize
	for batch := start; batch <= batches; batch++ {
		count := cfg.BatchSize
		if replaced+count > cfg.Instances {
			count = cfg.Instances - replaced
		}
		phase := fmt.Sprintf("rollback-batch:%d/%d", batch, batches)
		if err := persistTransition(ctx, s.store, d, StatusInProgress, phase); err != nil {
			return err
		}
		if err := s.platform.ReplaceInstances(ctx, d, batch, count); err != nil {
			return s.fail(ctx, d, fmt.Sprintf("rollback batch %d/%d replace failed", batch, batches), err)
		}
		replaced += count
	}

	if err := persistTransition(ctx, s.store, d, StatusRolledBack, PhaseComplete); err != nil {
		return err
	}
	s.logger.Info("rolling rollback complete", "deployment", d.ID, "version", d.Version)
	return nil
}

// fail persists the failed status with the current phase intact and returns
// the wrapped cause.
func (s *RollingStrategy) fail(ctx context.Context, d *Deployment, reason string, cause error) error {
	d.Reason = fmt.Sprintf("%s: %v", reason, cause)
	s.logger.Error("rolling deploy failed", "deployment", d.ID, "phase", d.Phase, "error", cause)
	if err := persistTransition(ctx, s.store, d, StatusFailed, d.Phase); err != nil {
		return fmt.Errorf("%s: %v (additionally: %w)", reason, cause, err)
	}
	return fmt.Errorf("%s: %w", reason, cause)
}

// parseRollingConfig extracts RollingConfig from the raw map, defaulting
// missing fields.
func parseRollingConfig(raw map[string]any) RollingConfig {
	cfg := DefaultRollingConfig()
	if raw != nil {
		if v, ok := raw["batch_size"]; ok {
			if n, err := toInt(v); err == nil && n > 0 {
				cfg.BatchSize = n
			}
		}
		if v, ok := raw["instances"]; ok {
			if n, err := toInt(v); err == nil && n > 0 {
				cfg.Instances = n
			}
		}
		if v, ok := raw["delay"]; ok {
			if d, err := parseDurationValue(v); err == nil && d >= 0 {
				cfg.Delay = d
			}
		}
	}
	if cfg.Instances <= 0 {
		cfg.Instances = cfg.BatchSize * 3
	}
	return cfg
}

// parseBatchPhase decodes "<prefix>:<batch>/<total>" phases.
func parseBatchPhase(phase, prefix string) (batch, total int, ok bool) {
	n, err := fmt.Sscanf(phase, prefix+":%d/%d", &batch, &total)
	if err != nil || n != 2 {
		return 0, 0, false
	}
	return batch, total, true
}
