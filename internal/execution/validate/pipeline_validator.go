// Package validate performs strict static validation of pipeline
// definitions. It aggregates every issue it finds instead of stopping at
// the first, so a single pass reports the full set of defects.
package validate

import (
	"strings"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

// Pipeline validates a loaded pipeline definition. It returns nil or a
// *domain.DefinitionError listing every issue found.
func Pipeline(p domain.Pipeline) error {
	issues := &domain.DefinitionError{}

	if len(p.Stages) == 0 {
		issues.Add("stages are required")
	}
	stageIndex := make(map[string]int, len(p.Stages))
	for i, stage := range p.Stages {
		name := strings.TrimSpace(stage)
		if name == "" {
			issues.Addf("stage[%d] name is required", i)
			continue
		}
		if _, exists := stageIndex[name]; exists {
			issues.Addf("duplicate stage name %q", name)
			continue
		}
		stageIndex[name] = i
	}

	if len(p.Jobs) == 0 {
		issues.Add("jobs must contain at least one job")
		return issues.OrNil()
	}

	jobStage := make(map[string]string, len(p.Jobs))
	for i, job := range p.Jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			issues.Addf("job[%d] name is required", i)
			continue
		}
		if _, exists := jobStage[name]; exists {
			issues.Addf("duplicate job name %q", name)
			continue
		}
		jobStage[name] = job.Stage

		if strings.TrimSpace(job.Stage) == "" {
			issues.Addf("job %q stage is required", name)
		} else if _, ok := stageIndex[job.Stage]; !ok {
			issues.Addf("job %q references unknown stage %q", name, job.Stage)
		}

		if len(job.Script) == 0 {
			issues.Addf("job %q script is required", name)
		}
		for j, line := range job.Script {
			if strings.TrimSpace(line) == "" {
				issues.Addf("job %q script[%d] is empty", name, j)
			}
		}

		for j, path := range job.Artifacts.Paths {
			if strings.TrimSpace(path) == "" {
				issues.Addf("job %q artifacts.paths[%d] is empty", name, j)
			}
		}
		if key := strings.TrimSpace(job.Cache.Key); key != "" && len(job.Cache.Paths) == 0 {
			issues.Addf("job %q cache declares key %q without paths", name, key)
		}
		for j, path := range job.Cache.Paths {
			if strings.TrimSpace(path) == "" {
				issues.Addf("job %q cache.paths[%d] is empty", name, j)
			}
		}
	}

	adj := make(map[string][]string, len(jobStage))
	for _, job := range p.Jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			continue
		}
		for _, dep := range job.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				issues.Addf("job %q has an empty dependency", name)
				continue
			}
			if dep == name {
				issues.Addf("job %q depends on itself", name)
				continue
			}
			depStage, ok := jobStage[dep]
			if !ok {
				issues.Addf("job %q depends on unknown job %q", name, dep)
				continue
			}
			if !dependencyOrderValid(stageIndex, depStage, job.Stage) {
				issues.Addf("job %q depends on %q in later stage %q", name, dep, depStage)
			}
			adj[dep] = append(adj[dep], name)
		}
	}

	nodes := make(map[string]struct{}, len(jobStage))
	for name := range jobStage {
		nodes[name] = struct{}{}
	}
	if hasCycle(adj, nodes) {
		issues.Add("dependency graph contains a cycle")
	}

	return issues.OrNil()
}

// dependencyOrderValid reports whether a dependency's stage comes at or
// before the dependent's stage. Equal stages are allowed and ordered by the
// per-stage topological sort; unknown stages are reported elsewhere.
func dependencyOrderValid(stageIndex map[string]int, depStage, jobStage string) bool {
	di, ok := stageIndex[depStage]
	if !ok {
		return true
	}
	ji, ok := stageIndex[jobStage]
	if !ok {
		return true
	}
	return di <= ji
}

func hasCycle(adj map[string][]string, nodes map[string]struct{}) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for node := range nodes {
		if state[node] == unvisited {
			if visit(node) {
				return true
			}
		}
	}
	return false
}
