package deploy

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups when no record exists for the
// given id or name.
var ErrNotFound = errors.New("deployment not found")

// Filter narrows a Store listing. Zero values mean "no constraint".
type Filter struct {
	Status    DeploymentStatus
	Namespace string
	// Limit caps the number of returned records; 0 means unlimited.
	Limit int
}

// Store is the persistence port for Deployment records. Implementations must
// guarantee that two concurrent saves of the same id never interleave partial
// writes; saves of different ids are independent. A Save failure is fatal to
// the in-flight rollout: callers must not proceed past a phase transition
// whose persistence failed.
type Store interface {
	// Save writes the full record, overwriting any prior record with the
	// same id.
	Save(ctx context.Context, d *Deployment) error

	// Load returns the record for id, or an error wrapping ErrNotFound.
	Load(ctx context.Context, id string) (*Deployment, error)

	// List returns records matching the filter, sorted by created_at
	// descending. Malformed records are logged and skipped, never fatal.
	List(ctx context.Context, f Filter) ([]*Deployment, error)

	// ListActive returns all records in a non-terminal status.
	ListActive(ctx context.Context) ([]*Deployment, error)

	// GetByName returns the most recently created record with the given
	// name and namespace, or an error wrapping ErrNotFound.
	GetByName(ctx context.Context, name, namespace string) (*Deployment, error)

	// Delete removes the record for id. Deleting a missing id is an error
	// wrapping ErrNotFound.
	Delete(ctx context.Context, id string) error

	// CleanupOld deletes complete records older than the cutoff and
	// returns how many were removed. Active rollouts are never deleted,
	// regardless of age.
	CleanupOld(ctx context.Context, olderThan time.Duration) (int, error)
}
