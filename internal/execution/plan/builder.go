// Package plan turns a validated pipeline definition into a deterministic
// execution plan: stages in declared order, jobs within each stage in
// topological order over their intra-stage dependency edges. Cross-stage
// edges are satisfied by the stage ordering itself.
package plan

import (
	"fmt"
	"sort"

	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/validate"
)

// Plan is the ordered execution layout of one pipeline.
type Plan struct {
	Pipeline string
	Stages   []StagePlan
}

// StagePlan holds one stage's jobs in deterministic start order.
type StagePlan struct {
	Name string
	Jobs []domain.Job
}

// JobCount returns the total number of planned jobs.
func (p Plan) JobCount() int {
	n := 0
	for _, stage := range p.Stages {
		n += len(stage.Jobs)
	}
	return n
}

// Build validates the definition and produces its execution plan. Stages
// with no assigned jobs are omitted.
func Build(p domain.Pipeline) (Plan, error) {
	if err := validate.Pipeline(p); err != nil {
		return Plan{}, err
	}

	out := Plan{Pipeline: p.Name, Stages: make([]StagePlan, 0, len(p.Stages))}
	for _, stage := range p.Stages {
		jobs := p.JobsForStage(stage)
		if len(jobs) == 0 {
			continue
		}
		ordered, err := topoSortJobs(jobs)
		if err != nil {
			return Plan{}, fmt.Errorf("stage %q: %w", stage, err)
		}
		out.Stages = append(out.Stages, StagePlan{Name: stage, Jobs: ordered})
	}
	return out, nil
}

// topoSortJobs orders a stage's jobs by their intra-stage dependency edges
// using Kahn's algorithm with a sorted ready queue, so equal-rank jobs come
// out in name order regardless of declaration order.
func topoSortJobs(jobs []domain.Job) ([]domain.Job, error) {
	jobMap := make(map[string]domain.Job, len(jobs))
	for _, job := range jobs {
		jobMap[job.Name] = job
	}

	inDegree := make(map[string]int, len(jobMap))
	adj := make(map[string][]string, len(jobMap))
	for name := range jobMap {
		inDegree[name] = 0
	}
	for _, job := range jobs {
		for _, dep := range job.Dependencies {
			if _, ok := jobMap[dep]; !ok {
				continue
			}
			adj[dep] = append(adj[dep], job.Name)
			inDegree[job.Name]++
		}
	}

	ready := make([]string, 0, len(jobMap))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]domain.Job, 0, len(jobMap))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, jobMap[name])
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}

	if len(ordered) != len(jobMap) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return ordered, nil
}
