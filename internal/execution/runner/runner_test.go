package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/runtimeexec"
	"github.com/conveyor-ci/conveyor/internal/store"
)

type fakeEnv struct {
	// exitCodes maps a command line to its exit code; unlisted lines exit 0.
	exitCodes map[string]int
	// envErrLine fails with an environment error when this line runs.
	envErrLine string
	// block makes every command wait for ctx cancellation.
	block bool
	ran   []string
	env   map[string]string
}

func (e *fakeEnv) Kind() string     { return "fake" }
func (e *fakeEnv) Describe() string { return "fake" }

func (e *fakeEnv) Run(ctx context.Context, cmd runtimeexec.Command) (int, error) {
	e.ran = append(e.ran, cmd.Line)
	e.env = cmd.Env
	if e.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	if cmd.Line == e.envErrLine {
		return -1, &runtimeexec.EnvironmentError{Reason: "container runtime down"}
	}
	return e.exitCodes[cmd.Line], nil
}

type fakeResolver struct {
	env runtimeexec.Environment
	err error
}

func (r *fakeResolver) Resolve(domain.Job) (runtimeexec.Environment, error) {
	return r.env, r.err
}

type fakeStore struct {
	restoreHit bool
	restoreErr error
	saveErr    error
	fetchErr   error
	publishErr error

	restored  []string
	saved     []string
	fetched   []string
	published []string
}

func (s *fakeStore) Restore(_ context.Context, key, _ string) (bool, error) {
	s.restored = append(s.restored, key)
	return s.restoreHit, s.restoreErr
}

func (s *fakeStore) Save(_ context.Context, key, _ string, paths []string) ([]string, error) {
	s.saved = append(s.saved, key)
	return paths, s.saveErr
}

func (s *fakeStore) Publish(_ context.Context, _ string, jobName, _ string, _ []string) error {
	s.published = append(s.published, jobName)
	return s.publishErr
}

func (s *fakeStore) Fetch(_ context.Context, _ string, jobName, _ string) ([]string, error) {
	s.fetched = append(s.fetched, jobName)
	return nil, s.fetchErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRunner(t *testing.T, env *fakeEnv, st *fakeStore, opts ...Option) (*Runner, RunContext) {
	t.Helper()
	r, err := New(testLogger(), &fakeResolver{env: env}, st, opts...)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	rc := RunContext{
		RunID:         "run-1",
		Ref:           domain.BranchRef("main"),
		WorkspaceRoot: t.TempDir(),
		Variables:     map[string]string{"PROFILE": "release"},
		Dependencies:  map[string][]string{"link": {"compile"}},
	}
	return r, rc
}

func TestExecuteSuccess(t *testing.T) {
	env := &fakeEnv{}
	st := &fakeStore{}
	r, rc := testRunner(t, env, st)

	job := domain.Job{
		Name:      "compile",
		Stage:     "build",
		Script:    []string{"make", "make install"},
		Cache:     domain.CacheSpec{Key: "build", Paths: []string{".objcache/"}},
		Artifacts: domain.ArtifactSpec{Paths: []string{"out/kernel.elf"}},
	}
	exec := r.Execute(context.Background(), job, rc)

	if exec.Status != domain.JobSucceeded {
		t.Fatalf("expected succeeded got %s (%s)", exec.Status, exec.Reason)
	}
	if exec.ExitCode != 0 || exec.Reason != "" {
		t.Fatalf("unexpected exit %d reason %q", exec.ExitCode, exec.Reason)
	}
	if len(env.ran) != 2 {
		t.Fatalf("expected both commands to run, got %v", env.ran)
	}
	if len(st.restored) != 1 || st.restored[0] != "build" {
		t.Fatalf("expected cache restore for key build, got %v", st.restored)
	}
	if len(st.saved) != 1 {
		t.Fatalf("expected cache save, got %v", st.saved)
	}
	if len(st.published) != 1 || st.published[0] != "compile" {
		t.Fatalf("expected artifact publish, got %v", st.published)
	}
}

func TestExecuteCommandEnv(t *testing.T) {
	env := &fakeEnv{}
	r, rc := testRunner(t, env, &fakeStore{})

	r.Execute(context.Background(), domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}}, rc)

	for key, want := range map[string]string{
		"CONVEYOR_RUN_ID":   "run-1",
		"CONVEYOR_JOB_NAME": "compile",
		"CONVEYOR_REF":      "main",
		"PROFILE":           "release",
	} {
		if got := env.env[key]; got != want {
			t.Fatalf("env %s = %q, want %q", key, got, want)
		}
	}
}

func TestExecuteFailFast(t *testing.T) {
	env := &fakeEnv{exitCodes: map[string]int{"make": 2}}
	st := &fakeStore{}
	r, rc := testRunner(t, env, st)

	job := domain.Job{
		Name:      "compile",
		Stage:     "build",
		Script:    []string{"make", "make install"},
		Cache:     domain.CacheSpec{Key: "build", Paths: []string{".objcache/"}},
		Artifacts: domain.ArtifactSpec{Paths: []string{"out/kernel.elf"}},
	}
	exec := r.Execute(context.Background(), job, rc)

	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonCommandFailed {
		t.Fatalf("expected command failure, got %s (%s)", exec.Status, exec.Reason)
	}
	if exec.ExitCode != 2 {
		t.Fatalf("expected exit 2 got %d", exec.ExitCode)
	}
	if len(env.ran) != 1 {
		t.Fatalf("expected fail-fast after first command, got %v", env.ran)
	}
	if len(st.saved) != 0 || len(st.published) != 0 {
		t.Fatalf("failed job must not save cache or publish artifacts")
	}
}

func TestExecuteEnvironmentFailure(t *testing.T) {
	env := &fakeEnv{envErrLine: "make"}
	r, rc := testRunner(t, env, &fakeStore{})

	exec := r.Execute(context.Background(), domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}}, rc)
	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonEnvironment {
		t.Fatalf("expected environment failure, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteResolveFailure(t *testing.T) {
	r, err := New(testLogger(), &fakeResolver{err: &runtimeexec.EnvironmentError{Reason: "no executor"}}, &fakeStore{})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	rc := RunContext{RunID: "run-1", WorkspaceRoot: t.TempDir()}

	exec := r.Execute(context.Background(), domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}}, rc)
	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonEnvironment {
		t.Fatalf("expected environment failure, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteTimeout(t *testing.T) {
	env := &fakeEnv{block: true}
	r, rc := testRunner(t, env, &fakeStore{})

	job := domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}, Timeout: 10 * time.Millisecond}
	exec := r.Execute(context.Background(), job, rc)
	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonTimeout {
		t.Fatalf("expected timeout, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteDefaultTimeout(t *testing.T) {
	env := &fakeEnv{block: true}
	r, rc := testRunner(t, env, &fakeStore{}, WithDefaultTimeout(10*time.Millisecond))

	exec := r.Execute(context.Background(), domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}}, rc)
	if exec.Reason != domain.ReasonTimeout {
		t.Fatalf("expected timeout, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteArtifactMissing(t *testing.T) {
	st := &fakeStore{publishErr: store.ErrArtifactPathMissing}
	r, rc := testRunner(t, &fakeEnv{}, st)

	job := domain.Job{
		Name:      "compile",
		Stage:     "build",
		Script:    []string{"make"},
		Artifacts: domain.ArtifactSpec{Paths: []string{"out/kernel.elf"}},
	}
	exec := r.Execute(context.Background(), job, rc)
	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonArtifactMissing {
		t.Fatalf("expected artifact_missing, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteArtifactPublishError(t *testing.T) {
	st := &fakeStore{publishErr: errors.New("bucket gone")}
	r, rc := testRunner(t, &fakeEnv{}, st)

	job := domain.Job{
		Name:      "compile",
		Stage:     "build",
		Script:    []string{"make"},
		Artifacts: domain.ArtifactSpec{Paths: []string{"out/kernel.elf"}},
	}
	exec := r.Execute(context.Background(), job, rc)
	if exec.Reason != domain.ReasonArtifactPublish {
		t.Fatalf("expected artifact_publish_failed, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteFetchFailure(t *testing.T) {
	st := &fakeStore{fetchErr: errors.New("no such artifact bag")}
	env := &fakeEnv{}
	r, rc := testRunner(t, env, st)

	job := domain.Job{Name: "link", Stage: "build", Script: []string{"ld"}, Dependencies: []string{"compile"}}
	exec := r.Execute(context.Background(), job, rc)
	if exec.Status != domain.JobFailed || exec.Reason != domain.ReasonArtifactFetch {
		t.Fatalf("expected artifact_fetch_failed, got %s (%s)", exec.Status, exec.Reason)
	}
	if len(env.ran) != 0 {
		t.Fatalf("no command must run after a fetch failure, got %v", env.ran)
	}
}

func TestExecuteCacheErrorsAreAdvisory(t *testing.T) {
	st := &fakeStore{restoreErr: errors.New("corrupt manifest"), saveErr: errors.New("disk full")}
	r, rc := testRunner(t, &fakeEnv{}, st)

	job := domain.Job{
		Name:   "compile",
		Stage:  "build",
		Script: []string{"make"},
		Cache:  domain.CacheSpec{Key: "build", Paths: []string{".objcache/"}},
	}
	exec := r.Execute(context.Background(), job, rc)
	if exec.Status != domain.JobSucceeded {
		t.Fatalf("cache failures must not fail the job, got %s (%s)", exec.Status, exec.Reason)
	}
}

func TestExecuteWritesJobLog(t *testing.T) {
	logRoot := t.TempDir()
	r, rc := testRunner(t, &fakeEnv{}, &fakeStore{})
	rc.LogRoot = logRoot

	r.Execute(context.Background(), domain.Job{Name: "compile", Stage: "build", Script: []string{"make"}}, rc)

	data, err := os.ReadFile(filepath.Join(logRoot, "compile.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "$ make") {
		t.Fatalf("expected echoed command in log, got %q", string(data))
	}
}
