// Package repo defines the persistence records and interfaces for pipeline
// run history. The engine never requires a repository; persistence is an
// observer of completed runs.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

var ErrNotFound = errors.New("not_found")

// RunRecord is the stored form of one pipeline run.
type RunRecord struct {
	RunID      string
	Pipeline   string
	Ref        string
	RefKind    string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobExecutionRecord is the stored form of one job execution within a run.
type JobExecutionRecord struct {
	RunID      string
	JobName    string
	Stage      string
	Status     string
	ExitCode   int
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRepository persists terminal runs and answers status queries.
type RunRepository interface {
	InsertRun(ctx context.Context, run RunRecord, executions []JobExecutionRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRecent(ctx context.Context, limit int) ([]RunRecord, error)
	ListJobExecutions(ctx context.Context, runID string) ([]JobExecutionRecord, error)
}

// FromDomain flattens a terminal run into its storage records.
func FromDomain(run domain.PipelineRun) (RunRecord, []JobExecutionRecord) {
	record := RunRecord{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Ref:        run.Ref.Name,
		RefKind:    string(run.Ref.Kind),
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
	}
	execs := run.Executions()
	out := make([]JobExecutionRecord, 0, len(execs))
	for _, exec := range execs {
		out = append(out, JobExecutionRecord{
			RunID:      run.ID,
			JobName:    exec.JobName,
			Stage:      exec.Stage,
			Status:     string(exec.Status),
			ExitCode:   exec.ExitCode,
			Reason:     exec.Reason,
			StartedAt:  exec.StartedAt.UTC(),
			FinishedAt: exec.FinishedAt.UTC(),
		})
	}
	return record, out
}
