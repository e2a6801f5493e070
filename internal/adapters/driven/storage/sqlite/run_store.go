package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// runStore implements driven.RunStore.
type runStore struct {
	store *Store
}

var _ driven.RunStore = (*runStore)(nil)

// RecordRun logs a finished worker run.
func (r *runStore) RecordRun(ctx context.Context, run *domain.WorkerRun) error {
	if run == nil || run.StreamID == "" {
		return domain.ErrInvalidInput
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO worker_runs (id, stream_id, started_at, ended_at, cause, error, events_out)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StreamID,
		run.StartedAt.UTC().Format(timeLayout),
		run.EndedAt.UTC().Format(timeLayout),
		string(run.Cause),
		nullString(run.Error),
		int64(run.EventsOut))
	if err != nil {
		return fmt.Errorf("recording worker run: %w", err)
	}
	return nil
}

// ListRuns returns recent runs, most recent first.
func (r *runStore) ListRuns(ctx context.Context, streamID string, limit int) ([]domain.WorkerRun, error) {
	if limit <= 0 {
		limit = domain.DefaultRunHistory
	}
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, stream_id, started_at, ended_at, cause, error, events_out
		FROM worker_runs
		WHERE (? = '' OR stream_id = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`, streamID, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying worker runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.WorkerRun //nolint:prealloc // size unknown from query
	for rows.Next() {
		run, err := scanWorkerRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker runs: %w", err)
	}
	return runs, nil
}

// PruneRuns keeps the most recent 'keep' runs per stream.
func (r *runStore) PruneRuns(ctx context.Context, keep int) error {
	_, err := r.store.db.ExecContext(ctx, `
		DELETE FROM worker_runs
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY stream_id ORDER BY started_at DESC) as rn
				FROM worker_runs
			) WHERE rn <= ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("pruning worker runs: %w", err)
	}
	return nil
}

// scanWorkerRun scans a worker run from *sql.Rows.
func scanWorkerRun(rows *sql.Rows) (*domain.WorkerRun, error) {
	var run domain.WorkerRun
	var startedAt, endedAt, cause string
	var errMsg sql.NullString
	var eventsOut int64

	if err := rows.Scan(&run.ID, &run.StreamID, &startedAt, &endedAt, &cause, &errMsg, &eventsOut); err != nil {
		return nil, fmt.Errorf("scanning worker run: %w", err)
	}

	if t, err := time.Parse(timeLayout, startedAt); err == nil {
		run.StartedAt = t
	}
	if t, err := time.Parse(timeLayout, endedAt); err == nil {
		run.EndedAt = t
	}
	run.Cause = domain.ExitCause(cause)
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	run.EventsOut = uint64(eventsOut)
	return &run, nil
}
