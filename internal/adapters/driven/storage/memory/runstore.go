package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure RunStore implements the interface.
var _ driven.RunStore = (*RunStore)(nil)

// RunStore is an in-memory implementation of driven.RunStore.
type RunStore struct {
	mu   sync.RWMutex
	runs []domain.WorkerRun
}

// NewRunStore creates a new in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{}
}

// RecordRun logs a finished worker run.
func (s *RunStore) RecordRun(_ context.Context, run *domain.WorkerRun) error {
	if run == nil || run.StreamID == "" {
		return domain.ErrInvalidInput
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

// ListRuns returns recent runs, most recent first.
func (s *RunStore) ListRuns(_ context.Context, streamID string, limit int) ([]domain.WorkerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorkerRun
	for _, run := range s.runs {
		if streamID == "" || run.StreamID == streamID {
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneRuns keeps the most recent 'keep' runs per stream.
func (s *RunStore) PruneRuns(_ context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]domain.WorkerRun(nil), s.runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartedAt.After(sorted[j].StartedAt) })
	seen := make(map[string]int)
	kept := sorted[:0]
	for _, run := range sorted {
		if seen[run.StreamID] < keep {
			kept = append(kept, run)
		}
		seen[run.StreamID]++
	}
	s.runs = kept
	return nil
}
