package repo

import (
	"sync"

	"github.com/conveyor-ci/conveyor/internal/domain"
)

// MemoryIndex is the in-process view of runs the daemon has seen, including
// runs still executing. It backs status queries when no database is
// configured and always reflects the latest snapshot of a live run.
type MemoryIndex struct {
	mu    sync.RWMutex
	runs  map[string]domain.PipelineRun
	order []string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{runs: make(map[string]domain.PipelineRun)}
}

// Put stores or replaces a run snapshot.
func (m *MemoryIndex) Put(run domain.PipelineRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.runs[run.ID]; !seen {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = run
}

// Get returns the latest snapshot of a run.
func (m *MemoryIndex) Get(runID string) (domain.PipelineRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	return run, ok
}

// Recent returns up to limit runs, newest first.
func (m *MemoryIndex) Recent(limit int) []domain.PipelineRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]domain.PipelineRun, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[m.order[i]])
	}
	return out
}
