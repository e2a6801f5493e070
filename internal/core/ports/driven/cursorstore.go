package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// CursorStore persists per-stream cursor state.
// Writes are serialised per stream: the owning worker is the sole writer.
type CursorStore interface {
	// Load returns the stream's state, or a fresh state if none exists.
	// When the persisted state cannot be decoded it returns a fresh state
	// together with an error wrapping domain.ErrCursorCorrupt.
	Load(ctx context.Context, streamID string) (*domain.CursorState, error)

	// Snapshot durably replaces the stream's state. The write is atomic:
	// readers see either the old or the new state, never a mix.
	Snapshot(ctx context.Context, state *domain.CursorState) error

	// Compact trims the stream's dedup cache to capacity and drops entries
	// older than ttl. Only call it for streams without a running worker.
	Compact(ctx context.Context, streamID string, capacity int, ttl time.Duration) error

	// List returns every stored state. Observers tolerate stale snapshots.
	List(ctx context.Context) ([]*domain.CursorState, error)

	// Close releases resources.
	Close() error
}

// RunStore persists worker run history for operators.
type RunStore interface {
	// RecordRun logs a finished worker run.
	RecordRun(ctx context.Context, run *domain.WorkerRun) error

	// ListRuns returns recent runs for a stream, most recent first.
	// An empty streamID lists runs of every stream.
	ListRuns(ctx context.Context, streamID string, limit int) ([]domain.WorkerRun, error)

	// PruneRuns keeps the most recent 'keep' runs per stream.
	PruneRuns(ctx context.Context, keep int) error
}
