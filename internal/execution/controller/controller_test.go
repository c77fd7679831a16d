package controller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/runner"
	"github.com/conveyor-ci/conveyor/internal/execution/scheduler"
)

// fakeExecutor drives the real scheduler without touching executors or
// stores; each job settles with its scripted status.
type fakeExecutor struct {
	mu      sync.Mutex
	failing map[string]bool
	ran     []string
}

func (e *fakeExecutor) Execute(_ context.Context, job domain.Job, _ runner.RunContext) domain.JobExecution {
	e.mu.Lock()
	e.ran = append(e.ran, job.Name)
	e.mu.Unlock()

	status := domain.JobSucceeded
	code := 0
	reason := ""
	if e.failing[job.Name] {
		status = domain.JobFailed
		code = 1
		reason = domain.ReasonCommandFailed
	}
	return domain.JobExecution{JobName: job.Name, Stage: job.Stage, Status: status, ExitCode: code, Reason: reason}
}

func (e *fakeExecutor) executed(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ran := range e.ran {
		if ran == name {
			return true
		}
	}
	return false
}

func testController(t *testing.T, exec scheduler.JobExecutor, opts ...Option) *Controller {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stages, err := scheduler.New(logger, exec)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	c, err := New(logger, stages, t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func kernelPipeline() domain.Pipeline {
	return domain.Pipeline{
		Name:   "kernel",
		Stages: []string{"prepare", "build", "test", "deploy"},
		Jobs: []domain.Job{
			{Name: "toolchain", Stage: "prepare", Script: []string{"fetch"}},
			{Name: "build-debug", Stage: "build", Script: []string{"make debug"}, Dependencies: []string{"toolchain"}},
			{Name: "build-release", Stage: "build", Script: []string{"make release"}, Dependencies: []string{"toolchain"}},
			{Name: "test-uhyve", Stage: "test", Script: []string{"run uhyve"}, Dependencies: []string{"build-release"}},
			{Name: "test-qemu", Stage: "test", Script: []string{"run qemu"}, Dependencies: []string{"build-release"}, AllowFailure: true},
			{Name: "publish", Stage: "deploy", Script: []string{"push"}, Dependencies: []string{"build-release"}, Only: []string{"tags"}},
		},
	}
}

func TestRunHappyPath(t *testing.T) {
	exec := &fakeExecutor{}
	c := testController(t, exec)

	run := c.Run(context.Background(), kernelPipeline(), domain.TagRef("v1.0"))

	if run.Status != domain.RunSucceeded {
		t.Fatalf("expected succeeded got %s (%s)", run.Status, run.Error)
	}
	if run.ID == "" {
		t.Fatalf("expected generated run id")
	}
	if len(run.Stages) != 4 {
		t.Fatalf("expected 4 stages got %d", len(run.Stages))
	}
	for _, name := range []string{"toolchain", "build-debug", "build-release", "test-uhyve", "test-qemu", "publish"} {
		if !exec.executed(name) {
			t.Fatalf("expected %s to run", name)
		}
		got, ok := run.Execution(name)
		if !ok || got.Status != domain.JobSucceeded {
			t.Fatalf("expected %s succeeded, got %+v", name, got)
		}
	}
}

func TestRunStageFailureHaltsLaterStages(t *testing.T) {
	exec := &fakeExecutor{failing: map[string]bool{"build-release": true}}
	c := testController(t, exec)

	run := c.Run(context.Background(), kernelPipeline(), domain.BranchRef("main"))

	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed got %s", run.Status)
	}
	if len(run.Stages) != 4 {
		t.Fatalf("all stages must be recorded, got %d", len(run.Stages))
	}
	if run.Stages[1].Status != domain.StageFailed {
		t.Fatalf("expected build stage failed got %s", run.Stages[1].Status)
	}

	// The sibling build job still reaches a terminal state.
	if got, _ := run.Execution("build-debug"); got.Status != domain.JobSucceeded {
		t.Fatalf("expected build-debug to finish, got %s", got.Status)
	}

	// Later stages are recorded as canceled, never started.
	for _, stage := range run.Stages[2:] {
		if stage.Status != domain.StageSkipped {
			t.Fatalf("expected stage %s skipped got %s", stage.Name, stage.Status)
		}
		for _, jobExec := range stage.Executions {
			if jobExec.Status != domain.JobSkipped || jobExec.Reason != domain.ReasonCanceled {
				t.Fatalf("expected %s canceled, got %s (%s)", jobExec.JobName, jobExec.Status, jobExec.Reason)
			}
			if exec.executed(jobExec.JobName) {
				t.Fatalf("%s must never start after the build stage failed", jobExec.JobName)
			}
		}
	}
}

func TestRunAllowFailureDoesNotFailRun(t *testing.T) {
	exec := &fakeExecutor{failing: map[string]bool{"test-qemu": true}}
	c := testController(t, exec)

	run := c.Run(context.Background(), kernelPipeline(), domain.TagRef("v1.0"))
	if run.Status != domain.RunSucceeded {
		t.Fatalf("expected succeeded got %s", run.Status)
	}
	if got, _ := run.Execution("test-qemu"); got.Status != domain.JobFailed {
		t.Fatalf("tolerated failure still recorded, got %s", got.Status)
	}
	if !exec.executed("publish") {
		t.Fatalf("deploy stage must still run")
	}
}

func TestRunTriggerRejectedDeploy(t *testing.T) {
	exec := &fakeExecutor{}
	c := testController(t, exec)

	run := c.Run(context.Background(), kernelPipeline(), domain.BranchRef("main"))
	if run.Status != domain.RunSucceeded {
		t.Fatalf("expected succeeded got %s", run.Status)
	}
	got, _ := run.Execution("publish")
	if got.Status != domain.JobSkipped || got.Reason != domain.ReasonTriggerRejected {
		t.Fatalf("expected publish trigger_rejected, got %s (%s)", got.Status, got.Reason)
	}
	if exec.executed("publish") {
		t.Fatalf("publish must not run on a branch ref")
	}
}

func TestRunDefinitionError(t *testing.T) {
	exec := &fakeExecutor{}
	c := testController(t, exec)

	p := domain.Pipeline{
		Name:   "broken",
		Stages: []string{"build"},
		Jobs: []domain.Job{
			{Name: "a", Stage: "build", Script: []string{"make"}, Dependencies: []string{"b"}},
			{Name: "b", Stage: "build", Script: []string{"make"}, Dependencies: []string{"a"}},
		},
	}
	run := c.Run(context.Background(), p, domain.BranchRef("main"))

	if run.Status != domain.RunDefinitionError {
		t.Fatalf("expected definition_error got %s", run.Status)
	}
	if run.Error == "" {
		t.Fatalf("expected error message on the run")
	}
	if len(run.Stages) != 0 {
		t.Fatalf("no stage may execute, got %d", len(run.Stages))
	}
	if len(exec.ran) != 0 {
		t.Fatalf("no job may execute, got %v", exec.ran)
	}
}

func TestRunNotifiesObservers(t *testing.T) {
	exec := &fakeExecutor{}
	var mu sync.Mutex
	var seen []domain.PipelineRun
	obs := ObserverFunc(func(_ context.Context, run domain.PipelineRun) {
		mu.Lock()
		seen = append(seen, run)
		mu.Unlock()
	})
	c := testController(t, exec, WithObserver(obs))

	run := c.RunWithID(context.Background(), "run-42", kernelPipeline(), domain.TagRef("v1.0"))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected one observation got %d", len(seen))
	}
	if seen[0].ID != "run-42" || seen[0].ID != run.ID {
		t.Fatalf("expected caller-chosen run id, got %q", seen[0].ID)
	}
	if !seen[0].Status.Terminal() {
		t.Fatalf("observer must see a terminal run, got %s", seen[0].Status)
	}
}
