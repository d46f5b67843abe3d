package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/toolstore/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Journal = (*SQLiteStore)(nil)

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite journal configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite journal instance
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
	// Every connection to :memory: is a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a journal.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
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

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if strings.Contains(s.cfg.Path, "?") {
		dsn = "file:" + s.cfg.Path + "&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}

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

// Migrate brings the schema to the latest embedded migration.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
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

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordWorkflowRun journals a finished workflow run with its step and
// compensation outcomes in one transaction.
func (s *SQLiteStore) RecordWorkflowRun(ctx context.Context, result *engine.WorkflowResult) error {
	if result == nil {
		return fmt.Errorf("workflow result is required")
	}
	runID := result.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := &Run{
		ID:          runID,
		Kind:        RunKindWorkflow,
		Name:        result.Workflow,
		Status:      string(result.Status),
		FailedStep:  result.FailedStep,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		Duration:    result.Duration,
	}
	if result.Error != nil {
		run.ErrorCode = &result.Error.Code
		run.ErrorMessage = &result.Error.Message
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}

	for _, step := range result.Steps {
		rs := &RunStep{
			RunID:       runID,
			Index:       step.Index,
			Type:        string(step.Type),
			Name:        optional(step.Name),
			Status:      string(step.Status),
			Attempts:    step.Attempts,
			StartedAt:   step.StartedAt,
			CompletedAt: step.CompletedAt,
		}
		if step.Error != nil {
			rs.ErrorCode = &step.Error.Code
			rs.ErrorMessage = &step.Error.Message
		}
		payload := step.Result
		if len(step.Branches) > 0 {
			payload = step.Branches
		}
		if rs.Result, err = marshalOptional(payload); err != nil {
			return fmt.Errorf("failed to encode step %d result: %w", step.Index, err)
		}
		if err := insertRunStep(ctx, tx, rs); err != nil {
			return err
		}
	}

	for i, comp := range result.Compensations {
		rc := &RunCompensation{
			RunID:   runID,
			Seq:     i,
			ForStep: comp.ForStep.String(),
			Action:  comp.Action,
			Success: comp.Success,
			Error:   optional(comp.Error),
		}
		if err := insertRunCompensation(ctx, tx, rc); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow run: %w", err)
	}
	return nil
}

// RecordPlanRun journals one plan invocation.
func (s *SQLiteStore) RecordPlanRun(ctx context.Context, toolName string, caller engine.Caller, result *engine.ExecutionResult) error {
	if result == nil {
		return fmt.Errorf("execution result is required")
	}

	completed := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		Kind:        RunKindPlan,
		Name:        toolName,
		CallerID:    optional(caller.ID),
		CallerRole:  optional(caller.Role),
		Status:      PlanStatusCompleted,
		StartedAt:   completed.Add(-result.Duration),
		CompletedAt: completed,
		Duration:    result.Duration,
	}
	if !result.Success {
		run.Status = PlanStatusFailed
	}
	if result.Error != nil {
		// Calls rejected before step 0 carry a negative index.
		if idx := result.Error.StepIndex; idx >= 0 {
			run.FailedStep = &idx
		}
		run.ErrorCode = &result.Error.Code
		run.ErrorMessage = &result.Error.Message
	}

	var err error
	if run.Result, err = marshalOptional(result.Result); err != nil {
		return fmt.Errorf("failed to encode plan result: %w", err)
	}

	return insertRun(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, run *Run) error {
	query := `
		INSERT INTO runs (id, kind, name, caller_id, caller_role, status, failed_step,
			error_code, error_message, result, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		run.ID,
		string(run.Kind),
		run.Name,
		run.CallerID,
		run.CallerRole,
		run.Status,
		run.FailedStep,
		run.ErrorCode,
		run.ErrorMessage,
		run.Result,
		toUnix(run.StartedAt),
		toUnix(run.CompletedAt),
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func insertRunStep(ctx context.Context, db execer, step *RunStep) error {
	query := `
		INSERT INTO run_steps (run_id, step_index, step_type, name, status, attempts,
			error_code, error_message, result, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		step.RunID,
		step.Index,
		step.Type,
		step.Name,
		step.Status,
		step.Attempts,
		step.ErrorCode,
		step.ErrorMessage,
		step.Result,
		toUnix(step.StartedAt),
		toUnix(step.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run step: %w", err)
	}
	return nil
}

func insertRunCompensation(ctx context.Context, db execer, comp *RunCompensation) error {
	query := `
		INSERT INTO run_compensations (run_id, seq, for_step, action, success, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		comp.RunID,
		comp.Seq,
		comp.ForStep,
		comp.Action,
		comp.Success,
		comp.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run compensation: %w", err)
	}
	return nil
}

const runColumns = `id, kind, name, caller_id, caller_role, status, failed_step,
	error_code, error_message, result, started_at, completed_at, duration_ms`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var kind string
	var started, completed, durationMS int64
	var failedStep sql.NullInt64
	err := row.Scan(
		&run.ID,
		&kind,
		&run.Name,
		&run.CallerID,
		&run.CallerRole,
		&run.Status,
		&failedStep,
		&run.ErrorCode,
		&run.ErrorMessage,
		&run.Result,
		&started,
		&completed,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = RunKind(kind)
	if failedStep.Valid {
		idx := int(failedStep.Int64)
		run.FailedStep = &idx
	}
	run.StartedAt = fromUnix(started)
	run.CompletedAt = fromUnix(completed)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []interface{}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY started_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ListRunSteps returns the journaled steps of a run in step order.
func (s *SQLiteStore) ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	query := `
		SELECT run_id, step_index, step_type, name, status, attempts,
			error_code, error_message, result, started_at, completed_at
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step_index
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	steps := []*RunStep{}
	for rows.Next() {
		step := &RunStep{}
		var started, completed int64
		err := rows.Scan(
			&step.RunID,
			&step.Index,
			&step.Type,
			&step.Name,
			&step.Status,
			&step.Attempts,
			&step.ErrorCode,
			&step.ErrorMessage,
			&step.Result,
			&started,
			&completed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		step.StartedAt = fromUnix(started)
		step.CompletedAt = fromUnix(completed)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run steps: %w", err)
	}
	return steps, nil
}

// ListRunCompensations returns the journaled compensations of a run in
// execution order.
func (s *SQLiteStore) ListRunCompensations(ctx context.Context, runID string) ([]*RunCompensation, error) {
	query := `
		SELECT run_id, seq, for_step, action, success, error
		FROM run_compensations
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run compensations: %w", err)
	}
	defer rows.Close()

	comps := []*RunCompensation{}
	for rows.Next() {
		comp := &RunCompensation{}
		var success int64
		if err := rows.Scan(&comp.RunID, &comp.Seq, &comp.ForStep, &comp.Action, &success, &comp.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run compensation: %w", err)
		}
		comp.Success = success != 0
		comps = append(comps, comp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run compensations: %w", err)
	}
	return comps, nil
}

// DeleteRunsBefore removes runs started before the cutoff. Steps and
// compensations cascade.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, toUnix(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalOptional(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
