package runtimeexec

import (
	"strings"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

// ResolverConfig describes the execution contexts one orchestrator instance
// can offer.
type ResolverConfig struct {
	// DockerBin is the docker CLI to use for image jobs; empty means "docker".
	DockerBin string
	// DisableDocker skips locating the docker CLI; image jobs then fail with
	// an environment error.
	DisableDocker bool
	// HostTags are the tags the host shell executor advertises.
	HostTags []string
	// DefaultImage is used for jobs that declare neither image nor tags.
	// Empty means such jobs run on the host shell.
	DefaultImage string
}

// Resolver maps a job declaration to an execution environment. Resolution
// precedence follows the declaration: an image selects a container, tags
// select the host executor, neither falls back to the default image or the
// unconstrained host shell.
type Resolver struct {
	docker       *DockerRuntime
	dockerErr    error
	shell        *ShellEnvironment
	defaultImage string
}

func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		shell:        NewShellEnvironment(cfg.HostTags),
		defaultImage: strings.TrimSpace(cfg.DefaultImage),
	}
	if cfg.DisableDocker {
		r.dockerErr = envError("docker execution is disabled", nil)
		return r
	}
	r.docker, r.dockerErr = NewDockerRuntime(cfg.DockerBin)
	return r
}

// Resolve returns the environment a job's commands run inside. A failure is
// always an *EnvironmentError.
func (r *Resolver) Resolve(job domain.Job) (Environment, error) {
	image := strings.TrimSpace(job.Image)
	if image == "" && len(job.Tags) == 0 {
		image = r.defaultImage
	}

	if image != "" {
		if r.docker == nil {
			return nil, r.dockerErr
		}
		return r.docker.Environment(image)
	}

	if len(job.Tags) > 0 && !r.shell.Satisfies(job.Tags) {
		return nil, envError("no executor matches tags "+strings.Join(job.Tags, ","), nil)
	}
	return r.shell, nil
}
