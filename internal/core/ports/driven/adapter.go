package driven

import (
	"context"
	"iter"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// SourceAdapter turns a cursor into a finite, lazily produced sequence of
// records plus the cursor to persist once they are acknowledged.
// Each adapter kind (timewindow, objectindex, github, etc.) implements this interface.
//
// Adapters hold no mutable state across calls other than auth credentials;
// all position lives in the cursor.
type SourceAdapter interface {
	// Kind returns the adapter kind identifier.
	Kind() string

	// Capabilities returns what this adapter declares at construction.
	Capabilities() AdapterCapabilities

	// Initial returns the position a stream starts from when it has no cursor.
	Initial(ctx context.Context) (domain.Position, error)

	// Fetch requests records after position. The returned Fetch is consumed
	// once by the worker. An error here means nothing was fetched.
	Fetch(ctx context.Context, position domain.Position) (Fetch, error)
}

// Fetch is the outcome of a single SourceAdapter.Fetch call.
//
// Records yields records in the adapter's order. A record-level error of
// kind malformed is counted and skipped; iteration continues. Any other
// yielded error ends the fetch and the cursor stays where it was.
// Next, More and WaitHint are meaningful only once Records is drained.
type Fetch interface {
	// Records yields the fetched records lazily.
	Records() iter.Seq2[domain.Record, error]

	// Next returns the position to persist if every record is acknowledged.
	Next() domain.Position

	// More reports that the vendor declared further data immediately available.
	More() bool

	// WaitHint returns a vendor-requested pause before the next call, if any.
	WaitHint() time.Duration
}

// AdapterCapabilities describes what an adapter supports.
type AdapterCapabilities struct {
	// === Ordering ===

	// Ordered indicates records within one fetch are non-decreasing in
	// event time. When false the worker sorts before forwarding.
	Ordered bool

	// === Positioning ===

	// SupportsSince is the position variant the adapter resumes from.
	SupportsSince domain.PositionKind

	// DeclaresMore indicates the adapter sets More when data remains.
	DeclaresMore bool

	// MaxPage is the largest page the vendor returns per request.
	MaxPage int

	// === Authentication ===

	// AuthShared indicates the adapter's credential is shared process-wide.
	AuthShared bool
}

// WakeNotifier is implemented by adapters that can signal new data early,
// cutting a worker's idle sleep short.
type WakeNotifier interface {
	Wake() <-chan struct{}
}

// RecordEncoder is implemented by adapters that override the default
// intake encoding of their records.
type RecordEncoder interface {
	EncodeRecord(streamID string, record domain.Record) ([]byte, error)
}

// FetchResult is a ready-made Fetch for adapters that compute their
// outcome while iterating. The adapter fills NextPos, HasMore and Wait
// from inside the Seq before it returns.
type FetchResult struct {
	Seq     iter.Seq2[domain.Record, error]
	NextPos domain.Position
	HasMore bool
	Wait    time.Duration
}

// Records implements Fetch.
func (f *FetchResult) Records() iter.Seq2[domain.Record, error] {
	if f.Seq == nil {
		return func(func(domain.Record, error) bool) {}
	}
	return f.Seq
}

// Next implements Fetch.
func (f *FetchResult) Next() domain.Position { return f.NextPos }

// More implements Fetch.
func (f *FetchResult) More() bool { return f.HasMore }

// WaitHint implements Fetch.
func (f *FetchResult) WaitHint() time.Duration { return f.Wait }

// EmptyFetch returns a Fetch with no records that keeps position.
func EmptyFetch(position domain.Position, wait time.Duration) Fetch {
	return &FetchResult{NextPos: position, Wait: wait}
}
