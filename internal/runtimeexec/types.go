// Package runtimeexec provides the execution environments job commands run
// inside: containers driven through the docker CLI and plain host shells
// selected by executor tags. The resolver maps a job declaration to one
// environment; a job that cannot be placed is an environment failure, never
// a command failure.
package runtimeexec

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Command is one script line to run inside an environment. Workspace is the
// working directory, Env the extra process environment, and Output receives
// the combined stdout/stderr stream.
type Command struct {
	Line      string
	Workspace string
	Env       map[string]string
	Output    io.Writer
}

// Environment executes commands inside one resolved execution context. Run
// returns the command's exit code; a non-nil error means the environment
// itself failed, not the command.
type Environment interface {
	Kind() string
	Describe() string
	Run(ctx context.Context, cmd Command) (int, error)
}

// EnvironmentError reports that a job's declared execution environment could
// not be resolved or started.
type EnvironmentError struct {
	Reason string
	Err    error
}

func (e *EnvironmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("environment unavailable: %s: %v", e.Reason, e.Err)
	}
	return "environment unavailable: " + e.Reason
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

func envError(reason string, err error) *EnvironmentError {
	return &EnvironmentError{Reason: strings.TrimSpace(reason), Err: err}
}
