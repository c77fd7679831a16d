// Package scheduler runs the jobs of one stage: trigger gating, dependency
// ordering, and bounded concurrent execution. Jobs with no dependency
// relationship run in parallel; a job whose upstream did not succeed is
// skipped without ever starting.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/plan"
	"github.com/conveyor-ci/conveyor/internal/execution/runner"
	"github.com/conveyor-ci/conveyor/internal/execution/trigger"
)

const defaultMaxParallel = 4

// JobExecutor executes a single job to a terminal state.
type JobExecutor interface {
	Execute(ctx context.Context, job domain.Job, rc runner.RunContext) domain.JobExecution
}

// Scheduler admits and orders the jobs of one stage.
type Scheduler struct {
	logger      *slog.Logger
	executor    JobExecutor
	maxParallel int
	now         func() time.Time
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithMaxParallel bounds how many jobs of one stage run concurrently.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxParallel = n
		}
	}
}

func New(logger *slog.Logger, executor JobExecutor, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if executor == nil {
		return nil, errors.New("job executor is required")
	}
	s := &Scheduler{
		logger:      logger,
		executor:    executor,
		maxParallel: defaultMaxParallel,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunStage executes one stage to completion. prior holds the terminal
// executions of earlier stages, consulted for cross-stage dependencies. The
// returned result lists executions in plan order.
func (s *Scheduler) RunStage(ctx context.Context, stage plan.StagePlan, rc runner.RunContext, prior map[string]domain.JobExecution) domain.StageResult {
	st := newStageState(stage, prior)

	done := make(chan domain.JobExecution)
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxParallel)

	start := func(job domain.Job) {
		st.running++
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			done <- s.executor.Execute(ctx, job, rc)
		}()
	}

	// settle records a terminal execution and unblocks or skips dependents.
	var settle func(exec domain.JobExecution)
	settle = func(exec domain.JobExecution) {
		if _, done := st.results[exec.JobName]; done {
			return
		}
		st.results[exec.JobName] = exec
		for _, dep := range st.dependents[exec.JobName] {
			if _, done := st.results[dep]; done {
				continue
			}
			st.remaining[dep]--
			if exec.Status != domain.JobSucceeded {
				st.blocked[dep] = true
			}
			if st.remaining[dep] > 0 {
				continue
			}
			if st.blocked[dep] {
				s.logger.Info("job skipped", "run_id", rc.RunID, "job", dep,
					"reason", domain.ReasonDependencyFailed, "upstream", exec.JobName)
				settle(s.skippedExecution(st.jobs[dep], domain.ReasonDependencyFailed))
				continue
			}
			start(st.jobs[dep])
		}
	}

	// Trigger gating happens before any ordering or execution cost.
	for _, job := range stage.Jobs {
		gate := trigger.ForJob(job)
		if gate.Admits(rc.Ref) {
			continue
		}
		s.logger.Info("job skipped", "run_id", rc.RunID, "job", job.Name,
			"reason", domain.ReasonTriggerRejected, "gate", gate.String(), "ref", rc.Ref.String())
		settle(s.skippedExecution(job, domain.ReasonTriggerRejected))
	}

	// Seed in plan order so upstream jobs settle before their dependents are
	// considered.
	for _, job := range stage.Jobs {
		if _, done := st.results[job.Name]; done {
			continue
		}
		if st.remaining[job.Name] > 0 {
			continue
		}
		if st.blocked[job.Name] {
			s.logger.Info("job skipped", "run_id", rc.RunID, "job", job.Name,
				"reason", domain.ReasonDependencyFailed)
			settle(s.skippedExecution(job, domain.ReasonDependencyFailed))
			continue
		}
		start(job)
	}

	for st.running > 0 {
		exec := <-done
		st.running--
		s.logger.Info("job finished", "run_id", rc.RunID, "job", exec.JobName,
			"status", string(exec.Status), "exit_code", exec.ExitCode)
		settle(exec)
	}
	wg.Wait()

	result := domain.StageResult{Name: stage.Name}
	allowFailed := make(map[string]bool, len(stage.Jobs))
	for _, job := range stage.Jobs {
		result.Executions = append(result.Executions, st.results[job.Name])
		if job.AllowFailure {
			allowFailed[job.Name] = true
		}
	}
	result.Status = domain.DeriveStageStatus(result.Executions, allowFailed)
	return result
}

func (s *Scheduler) skippedExecution(job domain.Job, reason string) domain.JobExecution {
	now := s.now().UTC()
	return domain.JobExecution{
		JobName:    job.Name,
		Stage:      job.Stage,
		Status:     domain.JobSkipped,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// stageState tracks the intra-stage dependency graph during execution. All
// fields are touched only by the scheduling goroutine.
type stageState struct {
	jobs       map[string]domain.Job
	remaining  map[string]int
	dependents map[string][]string
	blocked    map[string]bool
	results    map[string]domain.JobExecution
	running    int
}

func newStageState(stage plan.StagePlan, prior map[string]domain.JobExecution) *stageState {
	st := &stageState{
		jobs:       make(map[string]domain.Job, len(stage.Jobs)),
		remaining:  make(map[string]int, len(stage.Jobs)),
		dependents: make(map[string][]string),
		blocked:    make(map[string]bool),
		results:    make(map[string]domain.JobExecution, len(stage.Jobs)),
	}
	for _, job := range stage.Jobs {
		st.jobs[job.Name] = job
	}
	for _, job := range stage.Jobs {
		for _, dep := range job.Dependencies {
			if _, inStage := st.jobs[dep]; inStage {
				st.remaining[job.Name]++
				st.dependents[dep] = append(st.dependents[dep], job.Name)
				continue
			}
			// Cross-stage dependency: the upstream stage already completed,
			// so its terminal status is known now.
			upstream, ok := prior[dep]
			if !ok || upstream.Status != domain.JobSucceeded {
				st.blocked[job.Name] = true
			}
		}
	}
	return st
}
