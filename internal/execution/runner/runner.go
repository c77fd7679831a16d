// Package runner executes single jobs: environment resolution, cache
// restore, artifact fetch, the command list, then cache save and artifact
// publish. Side effects are scoped to success; a failed job writes nothing
// back to the stores.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/runtimeexec"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// CommandError reports the first command of a job that exited non-zero.
type CommandError struct {
	Line     string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, e.Line)
}

// EnvironmentResolver places a job into an execution environment.
type EnvironmentResolver interface {
	Resolve(job domain.Job) (runtimeexec.Environment, error)
}

// RunContext carries the run-scoped inputs every job execution shares.
type RunContext struct {
	RunID string
	Ref   domain.Ref
	// WorkspaceRoot holds one workspace directory per job.
	WorkspaceRoot string
	// LogRoot receives one combined-output log file per job; empty disables
	// log capture.
	LogRoot string
	// Variables are the resolved pipeline variables, exported into every
	// command's environment.
	Variables map[string]string
	// Dependencies maps each job name to the upstream jobs whose artifacts
	// it fetches before running.
	Dependencies map[string][]string
}

// Runner executes one job at a time. It is safe for concurrent use across
// distinct jobs.
type Runner struct {
	logger         *slog.Logger
	resolver       EnvironmentResolver
	store          store.Store
	defaultTimeout time.Duration
	echo           io.Writer
	now            func() time.Time
}

// Option adjusts runner construction.
type Option func(*Runner)

// WithDefaultTimeout bounds jobs that declare no timeout of their own. Zero
// leaves such jobs unbounded.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) { r.defaultTimeout = d }
}

// WithEcho mirrors command output to w in addition to the job log file.
func WithEcho(w io.Writer) Option {
	return func(r *Runner) { r.echo = w }
}

func withClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(logger *slog.Logger, resolver EnvironmentResolver, st store.Store, opts ...Option) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if resolver == nil {
		return nil, errors.New("environment resolver is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	r := &Runner{
		logger:   logger,
		resolver: resolver,
		store:    st,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Execute runs one job to its terminal state. The returned execution is
// always terminal; errors along the way are folded into its status, exit
// code, and reason.
func (r *Runner) Execute(ctx context.Context, job domain.Job, rc RunContext) domain.JobExecution {
	exec := domain.JobExecution{
		JobName:   job.Name,
		Stage:     job.Stage,
		Status:    domain.JobRunning,
		StartedAt: r.now().UTC(),
	}
	logger := r.logger.With("run_id", rc.RunID, "job", job.Name, "stage", job.Stage)

	env, err := r.resolver.Resolve(job)
	if err != nil {
		logger.Error("environment resolution failed", "error", err)
		return r.finish(exec, domain.JobFailed, -1, domain.ReasonEnvironment)
	}

	workspace := filepath.Join(rc.WorkspaceRoot, store.Sanitize(job.Name))
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		logger.Error("workspace creation failed", "error", err)
		return r.finish(exec, domain.JobFailed, -1, domain.ReasonEnvironment)
	}

	output, closeLog := r.openLog(rc.LogRoot, job.Name, logger)
	defer closeLog()

	if job.Cache.Enabled() {
		hit, err := r.store.Restore(ctx, job.Cache.Key, workspace)
		if err != nil {
			// Cache is advisory: a broken restore degrades to a cold run.
			logger.Warn("cache restore failed", "cache_key", job.Cache.Key, "error", err)
		} else {
			logger.Info("cache restore", "cache_key", job.Cache.Key, "hit", hit)
		}
	}

	for _, dep := range rc.Dependencies[job.Name] {
		paths, err := r.store.Fetch(ctx, rc.RunID, dep, workspace)
		if err != nil {
			logger.Error("artifact fetch failed", "dependency", dep, "error", err)
			return r.finish(exec, domain.JobFailed, -1, domain.ReasonArtifactFetch)
		}
		logger.Info("artifacts fetched", "dependency", dep, "paths", len(paths))
	}

	cmdEnv := r.commandEnv(job, rc)
	for _, line := range job.Script {
		fmt.Fprintf(output, "$ %s\n", line)
		code, err := r.runCommand(ctx, env, job, runtimeexec.Command{
			Line:      line,
			Workspace: workspace,
			Env:       cmdEnv,
			Output:    output,
		})
		if err != nil {
			var envErr *runtimeexec.EnvironmentError
			if errors.As(err, &envErr) {
				logger.Error("environment failed", "command", line, "error", err)
				return r.finish(exec, domain.JobFailed, code, domain.ReasonEnvironment)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Error("job timed out", "command", line, "timeout", r.timeoutFor(job).String())
				return r.finish(exec, domain.JobFailed, code, domain.ReasonTimeout)
			}
			logger.Error("command failed to run", "command", line, "error", err)
			return r.finish(exec, domain.JobFailed, code, domain.ReasonCommandFailed)
		}
		if code != 0 {
			cmdErr := &CommandError{Line: line, ExitCode: code}
			logger.Info("command failed", "command", line, "exit_code", code, "error", cmdErr)
			return r.finish(exec, domain.JobFailed, code, domain.ReasonCommandFailed)
		}
	}

	if job.Cache.Enabled() {
		saved, err := r.store.Save(ctx, job.Cache.Key, workspace, job.Cache.Paths)
		if err != nil {
			logger.Warn("cache save failed", "cache_key", job.Cache.Key, "error", err)
		} else {
			logger.Info("cache saved", "cache_key", job.Cache.Key, "paths", len(saved))
		}
	}

	if len(job.Artifacts.Paths) > 0 {
		err := r.store.Publish(ctx, rc.RunID, job.Name, workspace, job.Artifacts.Paths)
		if err != nil {
			logger.Error("artifact publish failed", "error", err)
			if errors.Is(err, store.ErrArtifactPathMissing) {
				return r.finish(exec, domain.JobFailed, -1, domain.ReasonArtifactMissing)
			}
			return r.finish(exec, domain.JobFailed, -1, domain.ReasonArtifactPublish)
		}
		logger.Info("artifacts published", "paths", len(job.Artifacts.Paths))
	}

	return r.finish(exec, domain.JobSucceeded, 0, "")
}

// runCommand applies the job timeout around a single command.
func (r *Runner) runCommand(ctx context.Context, env runtimeexec.Environment, job domain.Job, cmd runtimeexec.Command) (int, error) {
	timeout := r.timeoutFor(job)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	code, err := env.Run(ctx, cmd)
	if err == nil && ctx.Err() != nil {
		// The environment reported the command's own non-zero exit after the
		// deadline killed it; surface the timeout instead.
		return code, ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return code, context.DeadlineExceeded
	}
	return code, err
}

func (r *Runner) timeoutFor(job domain.Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return r.defaultTimeout
}

func (r *Runner) commandEnv(job domain.Job, rc RunContext) map[string]string {
	env := make(map[string]string, len(rc.Variables)+3)
	for k, v := range rc.Variables {
		env[k] = v
	}
	env["CONVEYOR_RUN_ID"] = rc.RunID
	env["CONVEYOR_JOB_NAME"] = job.Name
	env["CONVEYOR_REF"] = rc.Ref.Name
	return env
}

// openLog returns the combined-output sink for a job and its close func.
// Log capture is best effort; a failure degrades to echo-only output.
func (r *Runner) openLog(logRoot, jobName string, logger *slog.Logger) (io.Writer, func()) {
	var sinks []io.Writer
	closeLog := func() {}

	if strings.TrimSpace(logRoot) != "" {
		if err := os.MkdirAll(logRoot, 0o755); err != nil {
			logger.Warn("log dir creation failed", "error", err)
		} else {
			path := filepath.Join(logRoot, store.Sanitize(jobName)+".log")
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				logger.Warn("log file creation failed", "error", err)
			} else {
				sinks = append(sinks, f)
				closeLog = func() { _ = f.Close() }
			}
		}
	}
	if r.echo != nil {
		sinks = append(sinks, r.echo)
	}
	switch len(sinks) {
	case 0:
		return io.Discard, closeLog
	case 1:
		return sinks[0], closeLog
	default:
		return io.MultiWriter(sinks...), closeLog
	}
}

func (r *Runner) finish(exec domain.JobExecution, status domain.JobStatus, exitCode int, reason string) domain.JobExecution {
	exec.Status = status
	exec.ExitCode = exitCode
	exec.Reason = reason
	exec.FinishedAt = r.now().UTC()
	return exec
}
