package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsrun/opsrun/deploy"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var sqliteSchema string

const deploymentColumns = `id, name, namespace, strategy, status, phase, version, previous_version, config, health_interval, health_retries, reason, created_at, updated_at`

// SQLiteStore implements deploy.Store on a single SQLite database file. It
// suits installations that outgrow directory scans but still want a
// serverless store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ deploy.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dsn and applies
// the schema. Use ":memory:" for an in-memory database in tests. A nil
// logger falls back to slog.Default().
func NewSQLiteStore(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Append pragmas to the DSN so they apply to every connection.
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory %s: %w", dir, err)
			}
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One open connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the full record by id.
func (s *SQLiteStore) Save(ctx context.Context, d *deploy.Deployment) error {
	config, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			namespace = excluded.namespace,
			strategy = excluded.strategy,
			status = excluded.status,
			phase = excluded.phase,
			version = excluded.version,
			previous_version = excluded.previous_version,
			config = excluded.config,
			health_interval = excluded.health_interval,
			health_retries = excluded.health_retries,
			reason = excluded.reason,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, d.ID, d.Name, d.Namespace, d.Strategy, string(d.Status), d.Phase,
		d.Version, d.PreviousVersion, string(config),
		d.HealthCheck.Interval, d.HealthCheck.MaxRetries, d.Reason,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339))

	return err
}

// Load returns the record for id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*deploy.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+` FROM deployments WHERE id = ?
	`, id)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, deploy.ErrNotFound)
	}
	return d, err
}

// List returns records matching the filter, newest first. Rows that fail to
// decode are logged and skipped.
func (s *SQLiteStore) List(ctx context.Context, f deploy.Filter) ([]*deploy.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Namespace != "" {
		conds = append(conds, "namespace = ?")
		args = append(args, f.Namespace)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collect(rows)
}

// ListActive returns all records still in flight, newest first.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*deploy.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE status IN (?, ?)
		ORDER BY created_at DESC
	`, string(deploy.StatusPending), string(deploy.StatusInProgress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.collect(rows)
}

// GetByName returns the most recently created record for (name, namespace).
func (s *SQLiteStore) GetByName(ctx context.Context, name, namespace string) (*deploy.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments
		WHERE name = ? AND namespace = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, name, namespace)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %q in namespace %q: %w", name, namespace, deploy.ErrNotFound)
	}
	return d, err
}

// Delete removes the record for id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("deployment %s: %w", id, deploy.ErrNotFound)
	}
	return nil
}

// CleanupOld removes complete records created before the cutoff. Active
// rollouts are kept regardless of age.
func (s *SQLiteStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM deployments
		WHERE status IN (?, ?, ?) AND created_at < ?
	`, string(deploy.StatusSucceeded), string(deploy.StatusFailed), string(deploy.StatusRolledBack),
		cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// collect drains rows, logging and skipping any row that fails to decode.
func (s *SQLiteStore) collect(rows *sql.Rows) ([]*deploy.Deployment, error) {
	var out []*deploy.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			s.logger.Warn("skipping malformed deployment row", "error", err)
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*deploy.Deployment, error) {
	var d deploy.Deployment
	var status, configJSON, createdAt, updatedAt string

	if err := s.Scan(&d.ID, &d.Name, &d.Namespace, &d.Strategy, &status, &d.Phase,
		&d.Version, &d.PreviousVersion, &configJSON,
		&d.HealthCheck.Interval, &d.HealthCheck.MaxRetries, &d.Reason,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Status = deploy.DeploymentStatus(status)
	if err := json.Unmarshal([]byte(configJSON), &d.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		d.UpdatedAt = t
	}
	return &d, nil
}
