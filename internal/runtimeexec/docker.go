package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Exit code 125 is reserved by the docker CLI for failures of the runtime
// itself (bad flags, missing image, daemon unreachable). 126 and 127 are
// not: sh inside the container reports them for a non-executable or missing
// command in the user's script, so they stay command failures.
const (
	dockerExitDaemonError   = 125
	containerWorkspaceMount = "/workspace"
	defaultDockerBinary     = "docker"
)

// DockerRuntime locates the docker CLI once and hands out container
// environments bound to an image.
type DockerRuntime struct {
	bin string
}

func NewDockerRuntime(bin string) (*DockerRuntime, error) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = defaultDockerBinary
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, envError("docker binary not found", err)
	}
	return &DockerRuntime{bin: path}, nil
}

// Environment returns a container environment for an image reference.
func (r *DockerRuntime) Environment(image string) (*DockerEnvironment, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, envError("image ref is required", nil)
	}
	return &DockerEnvironment{bin: r.bin, image: image}, nil
}

// DockerEnvironment runs commands in throwaway containers of one image with
// the job workspace bind-mounted as the working directory.
type DockerEnvironment struct {
	bin   string
	image string
}

func (e *DockerEnvironment) Kind() string     { return "docker" }
func (e *DockerEnvironment) Describe() string { return "docker:" + e.image }

func (e *DockerEnvironment) Run(ctx context.Context, cmd Command) (int, error) {
	line := strings.TrimSpace(cmd.Line)
	if line == "" {
		return 0, errors.New("command line is required")
	}
	workspace := strings.TrimSpace(cmd.Workspace)
	if workspace == "" {
		return 0, errors.New("workspace is required")
	}

	args := []string{
		"run",
		"--rm",
		"-v", workspace + ":" + containerWorkspaceMount,
		"-w", containerWorkspaceMount,
	}
	for _, key := range sortedEnvKeys(cmd.Env) {
		args = append(args, "-e", key+"="+cmd.Env[key])
	}
	args = append(args, e.image, "sh", "-c", line)

	run := exec.CommandContext(ctx, e.bin, args...)
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
		code := exitErr.ExitCode()
		if code == dockerExitDaemonError {
			return code, envError(fmt.Sprintf("docker run exited %d for image %s", code, e.image), err)
		}
		return code, nil
	}
	return 0, envError("docker run failed", err)
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
