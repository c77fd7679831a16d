package repo

import (
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

func sampleRun(id string, status domain.RunStatus) domain.PipelineRun {
	return domain.PipelineRun{
		ID:        id,
		Pipeline:  "kernel",
		Ref:       domain.BranchRef("main"),
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
}

func TestMemoryIndexPutGet(t *testing.T) {
	idx := NewMemoryIndex()

	if _, ok := idx.Get("missing"); ok {
		t.Fatalf("expected miss for unknown run")
	}

	idx.Put(sampleRun("run-1", domain.RunRunning))
	got, ok := idx.Get("run-1")
	if !ok || got.Status != domain.RunRunning {
		t.Fatalf("expected running snapshot, got %+v ok=%v", got, ok)
	}

	// A later snapshot replaces the earlier one without duplicating the run.
	idx.Put(sampleRun("run-1", domain.RunSucceeded))
	got, _ = idx.Get("run-1")
	if got.Status != domain.RunSucceeded {
		t.Fatalf("expected replaced snapshot, got %s", got.Status)
	}
	if runs := idx.Recent(10); len(runs) != 1 {
		t.Fatalf("expected one run got %d", len(runs))
	}
}

func TestMemoryIndexRecentNewestFirst(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Put(sampleRun("run-1", domain.RunSucceeded))
	idx.Put(sampleRun("run-2", domain.RunSucceeded))
	idx.Put(sampleRun("run-3", domain.RunRunning))

	runs := idx.Recent(2)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs got %d", len(runs))
	}
	if runs[0].ID != "run-3" || runs[1].ID != "run-2" {
		t.Fatalf("expected newest first, got %s then %s", runs[0].ID, runs[1].ID)
	}

	if runs := idx.Recent(0); len(runs) != 3 {
		t.Fatalf("expected all runs for non-positive limit, got %d", len(runs))
	}
}

func TestFromDomain(t *testing.T) {
	run := domain.PipelineRun{
		ID:       "run-1",
		Pipeline: "kernel",
		Ref:      domain.TagRef("v1.0"),
		Status:   domain.RunFailed,
		Stages: []domain.StageResult{
			{Name: "build", Status: domain.StageFailed, Executions: []domain.JobExecution{
				{JobName: "compile", Stage: "build", Status: domain.JobFailed, ExitCode: 2, Reason: domain.ReasonCommandFailed},
			}},
		},
	}

	record, execs := FromDomain(run)
	if record.RunID != "run-1" || record.Status != "failed" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Ref != "v1.0" || record.RefKind != "tag" {
		t.Fatalf("expected short ref and kind, got %q %q", record.Ref, record.RefKind)
	}
	if len(execs) != 1 {
		t.Fatalf("expected one execution got %d", len(execs))
	}
	if execs[0].JobName != "compile" || execs[0].ExitCode != 2 || execs[0].Reason != domain.ReasonCommandFailed {
		t.Fatalf("unexpected execution %+v", execs[0])
	}
}
