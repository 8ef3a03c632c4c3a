// Package journal persists reconciliation run history in SQLite so past
// runs can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/ladlehq/ladle/pkg/reconciler"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is a SQLite-backed run history store. It implements
// reconciler.Recorder.
type Journal struct {
	db   *sql.DB
	path string
}

// New creates a journal backed by the database file at path. Use ":memory:"
// for an ephemeral journal.
func New(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	return &Journal{path: path}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (j *Journal) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", j.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	j.db = db

	if err := j.migrate(); err != nil {
		_ = db.Close()
		j.db = nil
		return err
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordRun stores a run outcome and its per-resource results in a single
// transaction.
func (j *Journal) RecordRun(ctx context.Context, outcome *reconciler.RunOutcome) error {
	if j.db == nil {
		return fmt.Errorf("journal not initialized")
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, cookbook, policy, success, aborted, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		outcome.RunID,
		outcome.Cookbook,
		string(outcome.Policy),
		outcome.Success,
		outcome.Aborted,
		outcome.StartedAt,
		outcome.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, res := range outcome.Resources {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_resources (run_id, resource_id, status, reason, duration_ms, position)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			outcome.RunID,
			res.ID,
			string(res.Status),
			res.Reason,
			res.Duration.Milliseconds(),
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run resource: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}
	return nil
}

// GetRun retrieves a recorded run by ID, including its resources.
func (j *Journal) GetRun(ctx context.Context, id string) (*reconciler.RunOutcome, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}

	outcome := &reconciler.RunOutcome{}
	var policy string
	err := j.db.QueryRowContext(ctx, `
		SELECT id, cookbook, policy, success, aborted, started_at, completed_at
		FROM runs
		WHERE id = ?
	`, id).Scan(
		&outcome.RunID,
		&outcome.Cookbook,
		&policy,
		&outcome.Success,
		&outcome.Aborted,
		&outcome.StartedAt,
		&outcome.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	outcome.Policy = reconciler.FailurePolicy(policy)

	rows, err := j.db.QueryContext(ctx, `
		SELECT resource_id, status, reason, duration_ms
		FROM run_resources
		WHERE run_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list run resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res reconciler.ResourceOutcome
		var status string
		var durationMS int64
		if err := rows.Scan(&res.ID, &status, &res.Reason, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run resource: %w", err)
		}
		res.Status = reconciler.ResourceStatus(status)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		outcome.Resources = append(outcome.Resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run resources: %w", err)
	}

	return outcome, nil
}

// ListRuns returns recent runs, newest first, without their resources.
func (j *Journal) ListRuns(ctx context.Context, limit, offset int) ([]*reconciler.RunOutcome, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, cookbook, policy, success, aborted, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*reconciler.RunOutcome{}
	for rows.Next() {
		outcome := &reconciler.RunOutcome{}
		var policy string
		err := rows.Scan(
			&outcome.RunID,
			&outcome.Cookbook,
			&policy,
			&outcome.Success,
			&outcome.Aborted,
			&outcome.StartedAt,
			&outcome.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		outcome.Policy = reconciler.FailurePolicy(policy)
		runs = append(runs, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
