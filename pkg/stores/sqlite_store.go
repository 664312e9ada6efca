package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
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

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, name, host, dry_run, status, exit_code, summary, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.Summary == "" {
		run.Summary = "{}"
	}
	if run.Host == "" {
		run.Host = "localhost"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Host,
		run.DryRun,
		run.Status,
		run.ExitCode,
		run.Summary,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, name, host, dry_run, status, exit_code, summary, error, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Host,
		&run.DryRun,
		&run.Status,
		&run.ExitCode,
		&run.Summary,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the final status of a run
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, exitCode int, summary string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, exit_code = ?, summary = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, exitCode, summary, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return expectOne(result, "run", id)
}

// ListRuns lists runs, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
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

// DeleteRun deletes a run and everything recorded for it
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectOne(result, "run", id)
}

// PruneRuns deletes all but the newest keep runs
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// AppendResourceResult appends a resource result to a run
func (s *SQLiteStore) AppendResourceResult(ctx context.Context, r *ResourceResult) error {
	query := `
		INSERT INTO resource_results (
			run_id, seq, resource_type, resource_name, outcome, reason,
			changes, triggered, error, duration_ms, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if r.Changes == "" {
		r.Changes = "[]"
	}
	if r.Triggered == "" {
		r.Triggered = "[]"
	}

	result, err := s.db.ExecContext(ctx, query,
		r.RunID,
		r.Seq,
		r.ResourceType,
		r.ResourceName,
		r.Outcome,
		r.Reason,
		r.Changes,
		r.Triggered,
		r.Error,
		r.DurationMS,
		r.StartedAt,
		r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append resource result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get resource result ID: %w", err)
	}
	r.ID = id
	return nil
}

// ListResourceResults lists the resource results of a run in visit order
func (s *SQLiteStore) ListResourceResults(ctx context.Context, runID string) ([]*ResourceResult, error) {
	query := `
		SELECT id, run_id, seq, resource_type, resource_name, outcome, reason,
			   changes, triggered, error, duration_ms, started_at, completed_at
		FROM resource_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource results: %w", err)
	}
	defer rows.Close()

	results := []*ResourceResult{}
	for rows.Next() {
		r := &ResourceResult{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Seq,
			&r.ResourceType,
			&r.ResourceName,
			&r.Outcome,
			&r.Reason,
			&r.Changes,
			&r.Triggered,
			&r.Error,
			&r.DurationMS,
			&r.StartedAt,
			&r.CompletedAt,
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

// AppendNotification appends a notification event to a run
func (s *SQLiteStore) AppendNotification(ctx context.Context, e *NotificationEvent) error {
	query := `
		INSERT INTO notification_events (run_id, source, target, action, timing, mode, fired, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		e.RunID,
		e.Source,
		e.Target,
		e.Action,
		e.Timing,
		e.Mode,
		e.Fired,
		e.Error,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get notification ID: %w", err)
	}
	e.ID = id
	return nil
}

// ListNotifications lists the notification events of a run in dispatch order
func (s *SQLiteStore) ListNotifications(ctx context.Context, runID string) ([]*NotificationEvent, error) {
	query := `
		SELECT id, run_id, source, target, action, timing, mode, fired, error, timestamp
		FROM notification_events
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	events := []*NotificationEvent{}
	for rows.Next() {
		e := &NotificationEvent{}
		err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.Source,
			&e.Target,
			&e.Action,
			&e.Timing,
			&e.Mode,
			&e.Fired,
			&e.Error,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return events, nil
}

// UpsertResourceState inserts or updates the state of a resource. A nil
// LastChangedAt keeps the previously recorded change time.
func (s *SQLiteStore) UpsertResourceState(ctx context.Context, state *ResourceState) error {
	query := `
		INSERT INTO resource_state (resource_type, resource_name, outcome, last_run_id, last_changed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, resource_name) DO UPDATE SET
			outcome = excluded.outcome,
			last_run_id = excluded.last_run_id,
			last_changed_at = COALESCE(excluded.last_changed_at, resource_state.last_changed_at),
			updated_at = excluded.updated_at
	`

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		state.ResourceType,
		state.ResourceName,
		state.Outcome,
		state.LastRunID,
		state.LastChangedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert resource state: %w", err)
	}

	return nil
}

const stateColumns = `resource_type, resource_name, outcome, last_run_id, last_changed_at, updated_at`

func scanState(row scanner) (*ResourceState, error) {
	state := &ResourceState{}
	err := row.Scan(
		&state.ResourceType,
		&state.ResourceName,
		&state.Outcome,
		&state.LastRunID,
		&state.LastChangedAt,
		&state.UpdatedAt,
	)
	return state, err
}

// GetResourceState retrieves the state of a resource
func (s *SQLiteStore) GetResourceState(ctx context.Context, resourceType, resourceName string) (*ResourceState, error) {
	query := `SELECT ` + stateColumns + ` FROM resource_state WHERE resource_type = ? AND resource_name = ?`

	state, err := scanState(s.db.QueryRowContext(ctx, query, resourceType, resourceName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s[%s]: %w", resourceType, resourceName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return state, nil
}

// ListResourceStates lists resource states ordered by identity
func (s *SQLiteStore) ListResourceStates(ctx context.Context, limit, offset int) ([]*ResourceState, error) {
	query := `SELECT ` + stateColumns + ` FROM resource_state ORDER BY resource_type, resource_name LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

func expectOne(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
