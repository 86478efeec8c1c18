package deploy

import (
	"time"

	"github.com/google/uuid"
)

// Built-in strategy names.
const (
	StrategyRolling   = "rolling"
	StrategyBlueGreen = "blue-green"
	StrategyCanary    = "canary"
)

// DeploymentStatus is the lifecycle state of a rollout.
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusInProgress DeploymentStatus = "in_progress"
	StatusSucceeded  DeploymentStatus = "succeeded"
	StatusFailed     DeploymentStatus = "failed"
	StatusRolledBack DeploymentStatus = "rolled_back"
)

// Terminal reports whether no further transition can occur from this status.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRolledBack
}

// PhaseComplete is the phase recorded when a rollout (or rollback) has
// finished all of its transitions.
const PhaseComplete = "complete"

// PhaseRestoringTraffic marks a caller-invoked rollback that is returning
// traffic to the previous version. Execute refuses records in this phase.
const PhaseRestoringTraffic = "restoring-traffic"

// HealthCheck configures the probe gate applied between rollout phases.
type HealthCheck struct {
	// Interval is the pause between probe attempts, in seconds.
	Interval int `json:"interval,omitempty" yaml:"interval,omitempty"`
	// MaxRetries is how many probe attempts one gate makes before the
	// phase is declared unhealthy.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeRetries  = 3
)

// EffectiveInterval returns the probe interval, defaulted.
func (h HealthCheck) EffectiveInterval() time.Duration {
	if h.Interval > 0 {
		return time.Duration(h.Interval) * time.Second
	}
	return defaultProbeInterval
}

// EffectiveRetries returns the probe attempt budget, defaulted.
func (h HealthCheck) EffectiveRetries() int {
	if h.MaxRetries > 0 {
		return h.MaxRetries
	}
	return defaultProbeRetries
}

// Deployment is one persisted rollout record. The store owns it at rest; a
// strategy executor holds a working copy during an active rollout and
// persists every phase transition before acting on it externally, so a crash
// mid-rollout always leaves recoverable state.
type Deployment struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Namespace string           `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Strategy  string           `json:"strategy" yaml:"strategy"`
	Status    DeploymentStatus `json:"status" yaml:"status"`

	// Phase is the strategy-specific sub-state, e.g. "rolling-batch:2/5"
	// or "shifting-traffic:25%".
	Phase string `json:"phase,omitempty" yaml:"phase,omitempty"`

	// Version is the version being rolled out; PreviousVersion is what it
	// replaces and the rollback target.
	Version         string `json:"version" yaml:"version"`
	PreviousVersion string `json:"previous_version,omitempty" yaml:"previous_version,omitempty"`

	// Config carries strategy-specific settings, validated by the strategy
	// before the record is created.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	HealthCheck HealthCheck `json:"health_check,omitempty" yaml:"health_check,omitempty"`

	// Reason explains a failed or rolled_back status.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewDeployment creates a pending record with a fresh id.
func NewDeployment(name, namespace, strategy, version string) *Deployment {
	now := time.Now().UTC()
	return &Deployment{
		ID:        uuid.New().String(),
		Name:      name,
		Namespace: namespace,
		Strategy:  strategy,
		Status:    StatusPending,
		Version:   version,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive reports whether the rollout is still in flight.
func (d *Deployment) IsActive() bool {
	return d.Status == StatusPending || d.Status == StatusInProgress
}

// IsComplete reports whether the rollout reached a terminal status.
func (d *Deployment) IsComplete() bool {
	return d.Status.Terminal()
}

// Clone returns a deep copy, so store implementations can hand out records
// without aliasing their internal state.
func (d *Deployment) Clone() *Deployment {
	cp := *d
	if d.Config != nil {
		cp.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}
