package stores

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

	"github.com/surgecd/surge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite. It also
// implements engine.RunRecorder, so it can be attached directly to an
// orchestrator to persist run history.
type SQLiteStore struct {
	db   *sql.DB
	path string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

var (
	_ Store              = (*SQLiteStore)(nil)
	_ engine.RunRecorder = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// RecordRun persists a finished run and its per-resource results in a
// single transaction. Recording the same run ID again replaces the
// previous record, which covers resumed runs.
func (s *SQLiteStore) RecordRun(ctx context.Context, result *engine.DeploymentResult) error {
	if result == nil {
		return fmt.Errorf("result is required")
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt *time.Time
	if !result.EndTime.IsZero() {
		t := result.EndTime
		completedAt = &t
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, environment, status, success, started_at, completed_at, resource_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			completed_at = excluded.completed_at,
			resource_count = excluded.resource_count
	`,
		result.RunID,
		result.PlanID,
		result.Environment,
		string(result.Status),
		result.Success,
		result.StartTime,
		completedAt,
		len(result.Resources),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_resources WHERE run_id = ?`, result.RunID); err != nil {
		return fmt.Errorf("failed to clear resource results: %w", err)
	}

	for id, res := range result.Resources {
		var started, completed *time.Time
		if !res.StartTime.IsZero() {
			t := res.StartTime
			started = &t
		}
		if !res.EndTime.IsZero() {
			t := res.EndTime
			completed = &t
		}

		var errClass, errCode, errMsg *string
		if res.Error != nil {
			class := string(res.Error.Class)
			errClass = &class
			if res.Error.Code != "" {
				code := res.Error.Code
				errCode = &code
			}
			msg := res.Error.Error()
			errMsg = &msg
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_resources (run_id, resource_id, action, status, attempts, started_at, completed_at, error_class, error_code, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			result.RunID,
			id,
			string(res.Action),
			string(res.Status),
			res.Attempts,
			started,
			completed,
			errClass,
			errCode,
			errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to record resource result %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}

	return nil
}

// RecordEvent appends a progress event to the run's event log.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event engine.ProgressEvent) error {
	var resourceID *string
	if event.ResourceID != "" {
		id := event.ResourceID
		resourceID = &id
	}

	var status *string
	if event.Status != "" {
		st := string(event.Status)
		status = &st
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, resource_id, wave, status, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.RunID,
		resourceID,
		event.Wave,
		status,
		event.Message,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, plan_id, environment, status, success, started_at, completed_at, resource_count, created_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanID,
		&run.Environment,
		&run.Status,
		&run.Success,
		&run.StartedAt,
		&run.CompletedAt,
		&run.ResourceCount,
		&run.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, plan_id, environment, status, success, started_at, completed_at, resource_count, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&run.Environment,
			&run.Status,
			&run.Success,
			&run.StartedAt,
			&run.CompletedAt,
			&run.ResourceCount,
			&run.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its resource results and events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	// run_events has no foreign key so resumed runs can log before
	// the run row exists; clean up explicitly.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run events: %w", err)
	}

	return nil
}

// ListRunResources lists per-resource results for a run
func (s *SQLiteStore) ListRunResources(ctx context.Context, runID string) ([]*RunResource, error) {
	query := `
		SELECT run_id, resource_id, action, status, attempts, started_at, completed_at, error_class, error_code, error_message
		FROM run_resources
		WHERE run_id = ?
		ORDER BY started_at ASC, resource_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource results: %w", err)
	}
	defer rows.Close()

	results := []*RunResource{}
	for rows.Next() {
		r := &RunResource{}
		err := rows.Scan(
			&r.RunID,
			&r.ResourceID,
			&r.Action,
			&r.Status,
			&r.Attempts,
			&r.StartedAt,
			&r.CompletedAt,
			&r.ErrorClass,
			&r.ErrorCode,
			&r.ErrorMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource results: %w", err)
	}

	return results, nil
}

// GetEvents retrieves progress events for a run, oldest first
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error) {
	query := `
		SELECT id, run_id, resource_id, wave, status, message, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*RunEvent{}
	for rows.Next() {
		event := &RunEvent{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.ResourceID,
			&event.Wave,
			&event.Status,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// Prune deletes all but the most recent keep runs, cascading to their
// resource results and events. Returns the number of runs deleted.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be non-negative")
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM run_events
		WHERE run_id NOT IN (SELECT id FROM runs)
	`); err != nil {
		return deleted, fmt.Errorf("failed to prune run events: %w", err)
	}

	return deleted, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}
