package services

import (
	"context"
	"fmt"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
	"github.com/custodia-labs/ingestd/internal/core/ports/driving"
)

// Ensure StatusService implements the interface.
var _ driving.StatusService = (*StatusService)(nil)

// StatusService reads persisted cursor snapshots and run history for
// observers outside the running process. Snapshots may be stale.
type StatusService struct {
	streams []domain.Stream
	store   driven.CursorStore
	runs    driven.RunStore
}

// NewStatusService creates a status service. runs may be nil.
func NewStatusService(streams []domain.Stream, store driven.CursorStore, runs driven.RunStore) *StatusService {
	return &StatusService{streams: streams, store: store, runs: runs}
}

// Streams returns one row per configured stream, plus rows for cursors
// left behind by streams no longer configured.
func (s *StatusService) Streams(ctx context.Context) ([]driving.StreamStatus, error) {
	states, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	byID := make(map[string]*domain.CursorState, len(states))
	for _, st := range states {
		byID[st.StreamID] = st
	}

	rows := make([]driving.StreamStatus, 0, len(s.streams))
	for _, stream := range s.streams {
		row := driving.StreamStatus{
			StreamID:    stream.ID,
			AdapterKind: stream.AdapterKind,
			State:       domain.WorkerStopped,
		}
		applyCursor(&row, byID[stream.ID])
		delete(byID, stream.ID)
		if err := s.applyLastRun(ctx, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	for _, st := range byID {
		row := driving.StreamStatus{StreamID: st.StreamID, State: domain.WorkerStopped}
		applyCursor(&row, st)
		rows = append(rows, row)
	}
	sortStatuses(rows)
	return rows, nil
}

// Runs returns recent worker runs for a stream, most recent first.
func (s *StatusService) Runs(ctx context.Context, streamID string, limit int) ([]domain.WorkerRun, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.ListRuns(ctx, streamID, limit)
}

func (s *StatusService) applyLastRun(ctx context.Context, row *driving.StreamStatus) error {
	if s.runs == nil {
		return nil
	}
	runs, err := s.runs.ListRuns(ctx, row.StreamID, domain.DefaultRunHistory)
	if err != nil {
		return fmt.Errorf("list runs for %q: %w", row.StreamID, err)
	}
	if len(runs) == 0 {
		return nil
	}
	row.LastExit = runs[0].Cause
	if runs[0].Error != "" {
		row.LastError = runs[0].Error
	}
	for _, run := range runs {
		if run.Cause.Restartable() {
			row.Restarts++
		}
	}
	return nil
}
