// Package store provides persistent implementations of the deploy.Store
// contract. It includes a file-per-record JSON store for single-node use and
// an SQLite store for installations that want queryable rollout history in a
// single database file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opsrun/opsrun/deploy"
)

// DefaultDir returns the default record directory, ~/.opsrun/deployments.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".opsrun", "deployments"), nil
}

// FileStore persists each deployment as <id>.json inside one directory.
// Saves write to a temp file and rename it over the target, so a crash
// mid-write never leaves a truncated record and concurrent saves of the same
// id never interleave. Listings scan the whole directory, which is fine at
// the expected scale of tens to low hundreds of records.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

var _ deploy.Store = (*FileStore)(nil)

// NewFileStore creates the record directory if needed and returns a store
// rooted there. A nil logger falls back to slog.Default().
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the directory records are stored in.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// validID rejects ids that could name a path outside the record directory.
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid deployment id %q", id)
	}
	return nil
}

// Save writes the full record atomically, overwriting any prior version.
func (s *FileStore) Save(ctx context.Context, d *deploy.Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(d.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment %s: %w", d.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".deployment-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // clean up if rename failed
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(d.ID)); err != nil {
		return fmt.Errorf("replace record %s: %w", d.ID, err)
	}
	return nil
}

// Load reads one record by id.
func (s *FileStore) Load(ctx context.Context, id string) (*deploy.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("deployment %s: %w", id, deploy.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var d deploy.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &d, nil
}

// List returns records matching the filter, newest first.
func (s *FileStore) List(ctx context.Context, f deploy.Filter) ([]*deploy.Deployment, error) {
	records, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*deploy.Deployment
	for _, d := range records {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Namespace != "" && d.Namespace != f.Namespace {
			continue
		}
		out = append(out, d)
	}

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListActive returns all records still in flight, newest first.
func (s *FileStore) ListActive(ctx context.Context) ([]*deploy.Deployment, error) {
	records, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var out []*deploy.Deployment
	for _, d := range records {
		if d.IsActive() {
			out = append(out, d)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// GetByName returns the most recently created record for (name, namespace).
func (s *FileStore) GetByName(ctx context.Context, name, namespace string) (*deploy.Deployment, error) {
	records, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var newest *deploy.Deployment
	for _, d := range records {
		if d.Name != name || d.Namespace != namespace {
			continue
		}
		if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
			newest = d
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("deployment %q in namespace %q: %w", name, namespace, deploy.ErrNotFound)
	}
	return newest, nil
}

// Delete removes the record for id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(id); err != nil {
		return err
	}

	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deployment %s: %w", id, deploy.ErrNotFound)
	}
	return err
}

// CleanupOld removes complete records created before the cutoff. Records
// still in flight are kept regardless of age.
func (s *FileStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	records, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for _, d := range records {
		if !d.IsComplete() || !d.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.path(d.ID)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("remove record %s: %w", d.ID, err)
		}
		removed++
	}
	return removed, nil
}

// scan reads every record in the directory. Files that fail to decode are
// logged and skipped so one corrupt record cannot hide the rest.
func (s *FileStore) scan(ctx context.Context) ([]*deploy.Deployment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read record directory: %w", err)
	}

	var out []*deploy.Deployment
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable deployment record", "file", entry.Name(), "error", err)
			continue
		}
		var d deploy.Deployment
		if err := json.Unmarshal(data, &d); err != nil {
			s.logger.Warn("skipping malformed deployment record", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

func sortNewestFirst(records []*deploy.Deployment) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
