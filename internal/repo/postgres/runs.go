// Package postgres persists pipeline run history: one row per run, one row
// per job execution. Rows are written once, after the run reaches a
// terminal status, and never updated.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/conveyor-ci/conveyor/internal/repo"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id       TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL,
	ref          TEXT NOT NULL,
	ref_kind     TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS job_executions (
	run_id       TEXT NOT NULL REFERENCES pipeline_runs(run_id) ON DELETE CASCADE,
	job_name     TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	exit_code    INTEGER NOT NULL,
	reason       TEXT,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, job_name)
);
CREATE INDEX IF NOT EXISTS job_executions_run_idx ON job_executions (run_id);`

const (
	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id, pipeline, ref, ref_kind, status, error, started_at, finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_id) DO NOTHING`

	insertJobExecutionQuery = `INSERT INTO job_executions (
		run_id, job_name, stage, status, exit_code, reason, started_at, finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (run_id, job_name) DO NOTHING`

	selectRunQuery = `SELECT run_id, pipeline, ref, ref_kind, status, error, started_at, finished_at
	 FROM pipeline_runs
	 WHERE run_id = $1`

	listRecentRunsQuery = `SELECT run_id, pipeline, ref, ref_kind, status, error, started_at, finished_at
	 FROM pipeline_runs
	 ORDER BY started_at DESC, run_id DESC
	 LIMIT $1`

	listJobExecutionsQuery = `SELECT run_id, job_name, stage, status, exit_code, reason, started_at, finished_at
	 FROM job_executions
	 WHERE run_id = $1
	 ORDER BY started_at ASC, job_name ASC`
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

// EnsureSchema creates the history tables when they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *RunStore) InsertRun(ctx context.Context, run repo.RunRecord, executions []repo.JobExecutionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID := strings.TrimSpace(run.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(run.Status) == "" {
		return fmt.Errorf("status is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertRunQuery,
		runID,
		run.Pipeline,
		run.Ref,
		run.RefKind,
		run.Status,
		nullIfEmpty(run.Error),
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, exec := range executions {
		if _, err := tx.ExecContext(ctx, insertJobExecutionQuery,
			runID,
			exec.JobName,
			exec.Stage,
			exec.Status,
			exec.ExitCode,
			nullIfEmpty(exec.Reason),
			exec.StartedAt.UTC(),
			exec.FinishedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert job execution %q: %w", exec.JobName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, runID string) (repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return repo.RunRecord{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return repo.RunRecord{}, fmt.Errorf("run id is required")
	}
	record, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, runID))
	if err != nil {
		return repo.RunRecord{}, err
	}
	return record, nil
}

func (s *RunStore) ListRecent(ctx context.Context, limit int) ([]repo.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listRecentRunsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]repo.RunRecord, 0)
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return records, nil
}

func (s *RunStore) ListJobExecutions(ctx context.Context, runID string) ([]repo.JobExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listJobExecutionsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list job executions: %w", err)
	}
	defer rows.Close()

	records := make([]repo.JobExecutionRecord, 0)
	for rows.Next() {
		var record repo.JobExecutionRecord
		var reason sql.NullString
		if err := rows.Scan(
			&record.RunID,
			&record.JobName,
			&record.Stage,
			&record.Status,
			&record.ExitCode,
			&reason,
			&record.StartedAt,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job execution: %w", err)
		}
		record.Reason = strings.TrimSpace(reason.String)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job executions: %w", err)
	}
	return records, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (repo.RunRecord, error) {
	var record repo.RunRecord
	var errText sql.NullString
	if err := scanner.Scan(
		&record.RunID,
		&record.Pipeline,
		&record.Ref,
		&record.RefKind,
		&record.Status,
		&errText,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return repo.RunRecord{}, handleNotFound(err)
	}
	record.Error = strings.TrimSpace(errText.String)
	return record, nil
}

func nullIfEmpty(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}
