package runtimeexec

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// ShellEnvironment runs commands directly on the host through sh -c. Tags
// describe what the host offers (kvm, uhyve, qemu, ...); a job asking for
// tags the host does not carry is not placed here.
type ShellEnvironment struct {
	tags map[string]struct{}
}

func NewShellEnvironment(tags []string) *ShellEnvironment {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		set[tag] = struct{}{}
	}
	return &ShellEnvironment{tags: set}
}

// Satisfies reports whether the host tags are a superset of the required
// tags. Tag semantics beyond equality are not interpreted.
func (e *ShellEnvironment) Satisfies(required []string) bool {
	for _, tag := range required {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := e.tags[tag]; !ok {
			return false
		}
	}
	return true
}

func (e *ShellEnvironment) Kind() string { return "shell" }

func (e *ShellEnvironment) Describe() string {
	if len(e.tags) == 0 {
		return "shell"
	}
	tags := make([]string, 0, len(e.tags))
	for tag := range e.tags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return "shell:" + strings.Join(tags, ",")
}

func (e *ShellEnvironment) Run(ctx context.Context, cmd Command) (int, error) {
	line := strings.TrimSpace(cmd.Line)
	if line == "" {
		return 0, errors.New("command line is required")
	}
	workspace := strings.TrimSpace(cmd.Workspace)
	if workspace == "" {
		return 0, errors.New("workspace is required")
	}
	if _, err := os.Stat(workspace); err != nil {
		return 0, envError("workspace unavailable", err)
	}

	run := exec.CommandContext(ctx, "sh", "-c", line)
	run.Dir = workspace
	run.Env = os.Environ()
	for _, key := range sortedEnvKeys(cmd.Env) {
		run.Env = append(run.Env, key+"="+cmd.Env[key])
	}
	out := cmd.Output
	if out == nil {
		out = io.Discard
	}
	run.Stdout = out
	run.Stderr = out

	err := run.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, envError("shell command failed to start", err)
}
