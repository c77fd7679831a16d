// Package store holds run artifacts and the cross-run cache. The two
// namespaces have different contracts: artifacts are a mandatory,
// run-scoped handoff between dependent jobs, while cache entries are
// advisory, keyed pipeline-wide, persist across runs, and overwrite
// last-writer-wins.
package store

import (
	"context"
	"errors"
)

var ErrArtifactPathMissing = errors.New("artifact_path_missing")

// CacheStore restores and saves keyed path sets relative to a workspace.
// A restore miss is reported as ok=false, never as an error.
type CacheStore interface {
	Restore(ctx context.Context, key, workspace string) (bool, error)
	Save(ctx context.Context, key, workspace string, paths []string) ([]string, error)
}

// ArtifactStore publishes a job's declared outputs into a run's artifact
// bag and fetches them back into a dependent job's workspace. Publish fails
// when a declared path does not exist; Fetch returns exactly the published
// set.
type ArtifactStore interface {
	Publish(ctx context.Context, runID, jobName, workspace string, paths []string) error
	Fetch(ctx context.Context, runID, jobName, workspace string) ([]string, error)
}

// Store combines both namespaces behind one backend.
type Store interface {
	CacheStore
	ArtifactStore
}
