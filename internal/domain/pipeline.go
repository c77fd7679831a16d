package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultStages is the stage order used when a definition declares none.
var DefaultStages = []string{"prepare", "build", "test", "deploy"}

// Pipeline is a static, immutable pipeline definition after load. It is the
// template a PipelineRun executes; nothing mutates it after parsing.
type Pipeline struct {
	Name      string
	Variables map[string]string
	Stages    []string
	Jobs      []Job
}

// Job is a statically declared unit of work within one stage.
type Job struct {
	Name         string
	Stage        string
	Image        string
	Tags         []string
	Script       []string
	Artifacts    ArtifactSpec
	Cache        CacheSpec
	Dependencies []string
	Only         []string
	AllowFailure bool
	Timeout      time.Duration
}

// ArtifactSpec declares the output paths a job publishes on success.
// Artifacts are a mandatory contract: declared paths must exist when the
// job succeeds, and dependents read back exactly this set.
type ArtifactSpec struct {
	Paths []string
}

// CacheSpec declares the advisory cache descriptor of a job. Cache entries
// are keyed pipeline-wide and reused across runs; a restore miss is not an
// error and a job must behave identically with or without a hit.
type CacheSpec struct {
	Key   string
	Paths []string
}

// Enabled reports whether the job declares a usable cache descriptor.
func (c CacheSpec) Enabled() bool {
	return strings.TrimSpace(c.Key) != "" && len(c.Paths) > 0
}

// StageIndex returns the position of a stage in the declared order.
func (p Pipeline) StageIndex(stage string) (int, bool) {
	for i, s := range p.Stages {
		if s == stage {
			return i, true
		}
	}
	return 0, false
}

// JobNameSet returns the set of job names declared in the pipeline.
func (p Pipeline) JobNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(p.Jobs))
	for _, job := range p.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			continue
		}
		names[job.Name] = struct{}{}
	}
	return names
}

// JobsForStage returns the jobs assigned to a stage in declaration order.
func (p Pipeline) JobsForStage(stage string) []Job {
	out := make([]Job, 0)
	for _, job := range p.Jobs {
		if job.Stage == stage {
			out = append(out, job)
		}
	}
	return out
}

// ValidateBasicShape performs lightweight structural checks without graph
// traversal. Full validation lives in the definition validator.
func (p Pipeline) ValidateBasicShape() error {
	if len(p.Stages) == 0 {
		return errors.New("stages are required")
	}
	if len(p.Jobs) == 0 {
		return errors.New("jobs must contain at least one job")
	}
	for i, job := range p.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			return fmt.Errorf("job[%d] name is required", i)
		}
		if strings.TrimSpace(job.Stage) == "" {
			return fmt.Errorf("job[%d] stage is required", i)
		}
		if len(job.Script) == 0 {
			return fmt.Errorf("job[%d] script is required", i)
		}
	}
	return nil
}
