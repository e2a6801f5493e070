package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// DropReason labels events_dropped.
type DropReason string

// Drop reasons.
const (
	DropDuplicate DropReason = "duplicate"
	DropMalformed DropReason = "malformed"
)

// Metrics records engine observability. Every method is labelled by stream
// id and adapter kind.
type Metrics interface {
	EventsIn(streamID, adapterKind string, n int)
	EventsOut(streamID, adapterKind string, n int)
	EventsDropped(streamID, adapterKind string, reason DropReason, n int)
	SetLag(streamID, adapterKind string, lag time.Duration)
	ObserveFetch(streamID, adapterKind string, d time.Duration)
	ObserveForward(streamID, adapterKind string, d time.Duration)
	WorkerRestart(streamID, adapterKind string, cause domain.ExitCause)
	CursorCorrupt(streamID, adapterKind string)
	SetWorkerState(streamID, adapterKind string, state domain.WorkerState)
}

// MetricsExporter pushes or writes the collected metrics somewhere an
// external scraper can read them.
type MetricsExporter interface {
	Export(ctx context.Context) error
}
