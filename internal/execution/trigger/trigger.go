// Package trigger decides whether a job is admitted for the reference a run
// executes against. Gates compose: a job's only list becomes a disjunction
// of small predicates, and an empty list admits everything.
package trigger

import (
	"strings"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

// Gate is a composable admission predicate over trigger references.
type Gate interface {
	Admits(ref domain.Ref) bool
	String() string
}

// Always admits every reference. It is the gate of a job with no
// restriction.
type Always struct{}

func (Always) Admits(domain.Ref) bool { return true }
func (Always) String() string         { return "always" }

// TagsOnly admits tag references.
type TagsOnly struct{}

func (TagsOnly) Admits(ref domain.Ref) bool { return ref.Kind == domain.RefTag }
func (TagsOnly) String() string             { return "tags" }

// BranchesOnly admits branch references.
type BranchesOnly struct{}

func (BranchesOnly) Admits(ref domain.Ref) bool { return ref.Kind == domain.RefBranch }
func (BranchesOnly) String() string             { return "branches" }

// RefName admits references whose short name matches exactly.
type RefName struct {
	Name string
}

func (g RefName) Admits(ref domain.Ref) bool { return ref.Name == g.Name }
func (g RefName) String() string             { return "ref:" + g.Name }

// AnyOf admits a reference admitted by at least one member gate.
type AnyOf []Gate

func (g AnyOf) Admits(ref domain.Ref) bool {
	for _, gate := range g {
		if gate.Admits(ref) {
			return true
		}
	}
	return false
}

func (g AnyOf) String() string {
	parts := make([]string, 0, len(g))
	for _, gate := range g {
		parts = append(parts, gate.String())
	}
	return "any(" + strings.Join(parts, ",") + ")"
}

// ForJob builds the admission gate from a job's only list. The entries
// "tags" and "branches" select reference kinds; any other entry matches a
// reference name literally.
func ForJob(job domain.Job) Gate {
	if len(job.Only) == 0 {
		return Always{}
	}
	gates := make(AnyOf, 0, len(job.Only))
	for _, entry := range job.Only {
		switch strings.TrimSpace(entry) {
		case "":
			continue
		case "tags":
			gates = append(gates, TagsOnly{})
		case "branches":
			gates = append(gates, BranchesOnly{})
		default:
			gates = append(gates, RefName{Name: strings.TrimSpace(entry)})
		}
	}
	if len(gates) == 0 {
		return Always{}
	}
	return gates
}
