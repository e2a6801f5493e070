package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// Supervisor owns the workers declared by configuration.
type Supervisor interface {
	// Run starts every worker and supervises them.
	// Blocks until context is cancelled, then drains workers within the
	// shutdown grace period.
	Run(ctx context.Context) error

	// Status returns a point-in-time view of every stream.
	Status() []StreamStatus

	// Stop intentionally stops one stream's worker. It is not restarted.
	Stop(streamID string) error
}

// StreamStatus is an observer's view of one stream.
type StreamStatus struct {
	StreamID    string
	AdapterKind string
	State       domain.WorkerState
	Running     bool
	Restarts    int
	LastExit    domain.ExitCause
	LastError   string
	Position    domain.Position
	EventsIn    uint64
	EventsOut   uint64
	Dropped     uint64
	LastSuccess time.Time
	UpdatedAt   time.Time
}

// StatusService reads persisted stream state for out-of-process observers.
type StatusService interface {
	// Streams returns the persisted status of every configured stream.
	Streams(ctx context.Context) ([]StreamStatus, error)

	// Runs returns recent worker runs for a stream, most recent first.
	Runs(ctx context.Context, streamID string, limit int) ([]domain.WorkerRun, error)
}
