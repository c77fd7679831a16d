// Package controller drives whole pipeline runs: static validation, stage
// admission in declared order, short-circuit on stage failure, and final
// status aggregation. The run it returns is the sole externally observable
// result besides accumulated artifacts and caches.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/plan"
	"github.com/conveyor-ci/conveyor/internal/execution/runner"
)

// StageRunner executes one stage to completion.
type StageRunner interface {
	RunStage(ctx context.Context, stage plan.StagePlan, rc runner.RunContext, prior map[string]domain.JobExecution) domain.StageResult
}

// Observer is notified once per run, after the run reached a terminal
// status. Observers must not mutate the run.
type Observer interface {
	RunCompleted(ctx context.Context, run domain.PipelineRun)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, run domain.PipelineRun)

func (f ObserverFunc) RunCompleted(ctx context.Context, run domain.PipelineRun) { f(ctx, run) }

// Controller owns run-scoped state and sequences stages.
type Controller struct {
	logger    *slog.Logger
	stages    StageRunner
	workRoot  string
	observers []Observer
	now       func() time.Time
	newID     func() string
}

// Option adjusts controller construction.
type Option func(*Controller)

// WithObserver registers a run-completion observer.
func WithObserver(obs Observer) Option {
	return func(c *Controller) {
		if obs != nil {
			c.observers = append(c.observers, obs)
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller. workRoot is the local directory that receives
// per-run workspaces and logs.
func New(logger *slog.Logger, stages StageRunner, workRoot string, opts ...Option) (*Controller, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if stages == nil {
		return nil, errors.New("stage runner is required")
	}
	workRoot = strings.TrimSpace(workRoot)
	if workRoot == "" {
		return nil, errors.New("work root is required")
	}
	c := &Controller{
		logger:   logger,
		stages:   stages,
		workRoot: workRoot,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes a pipeline for a trigger ref and returns the terminal run.
func (c *Controller) Run(ctx context.Context, p domain.Pipeline, ref domain.Ref) domain.PipelineRun {
	return c.RunWithID(ctx, c.newID(), p, ref)
}

// RunWithID is Run with a caller-chosen run identifier, for callers that
// need to hand out the identifier before execution starts.
func (c *Controller) RunWithID(ctx context.Context, runID string, p domain.Pipeline, ref domain.Ref) domain.PipelineRun {
	run := domain.PipelineRun{
		ID:        runID,
		Pipeline:  p.Name,
		Ref:       ref,
		Status:    domain.RunRunning,
		StartedAt: c.now().UTC(),
	}
	logger := c.logger.With("run_id", run.ID, "pipeline", p.Name, "ref", ref.String())
	logger.Info("run started")

	pl, err := plan.Build(p)
	if err != nil {
		logger.Error("definition invalid", "error", err)
		run.Status = domain.RunDefinitionError
		run.Error = err.Error()
		return c.complete(ctx, run, logger)
	}

	rc := runner.RunContext{
		RunID:         run.ID,
		Ref:           ref,
		WorkspaceRoot: filepath.Join(c.workRoot, run.ID, "workspace"),
		LogRoot:       filepath.Join(c.workRoot, run.ID, "logs"),
		Variables:     p.Variables,
		Dependencies:  dependencyIndex(p),
	}

	prior := make(map[string]domain.JobExecution, pl.JobCount())
	halted := false
	for _, stage := range pl.Stages {
		if halted {
			run.Stages = append(run.Stages, canceledStage(stage, c.now().UTC()))
			continue
		}

		logger.Info("stage started", "stage", stage.Name, "jobs", len(stage.Jobs))
		result := c.stages.RunStage(ctx, stage, rc, prior)
		run.Stages = append(run.Stages, result)
		for _, exec := range result.Executions {
			prior[exec.JobName] = exec
		}
		logger.Info("stage finished", "stage", stage.Name, "status", string(result.Status))

		if result.Status == domain.StageFailed {
			// Later stages are never admitted; jobs already running in this
			// stage have reached their own terminal state by now.
			halted = true
		}
	}

	run.Status = domain.DeriveRunStatus(run.Stages)
	return c.complete(ctx, run, logger)
}

func (c *Controller) complete(ctx context.Context, run domain.PipelineRun, logger *slog.Logger) domain.PipelineRun {
	run.FinishedAt = c.now().UTC()
	logger.Info("run finished", "status", string(run.Status),
		"duration_ms", run.FinishedAt.Sub(run.StartedAt).Milliseconds())
	for _, obs := range c.observers {
		obs.RunCompleted(ctx, run)
	}
	return run
}

// canceledStage records the jobs of a stage that was never admitted because
// an earlier stage failed.
func canceledStage(stage plan.StagePlan, now time.Time) domain.StageResult {
	result := domain.StageResult{Name: stage.Name, Status: domain.StageSkipped}
	for _, job := range stage.Jobs {
		result.Executions = append(result.Executions, domain.JobExecution{
			JobName:    job.Name,
			Stage:      job.Stage,
			Status:     domain.JobSkipped,
			Reason:     domain.ReasonCanceled,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
	return result
}

func dependencyIndex(p domain.Pipeline) map[string][]string {
	out := make(map[string][]string, len(p.Jobs))
	for _, job := range p.Jobs {
		if len(job.Dependencies) == 0 {
			continue
		}
		out[job.Name] = append([]string(nil), job.Dependencies...)
	}
	return out
}
