package domain

import "time"

// CursorState is the durable per-stream state: where to resume, which ids
// were emitted recently, and progress counters.
type CursorState struct {
	// StreamID is the owning stream.
	StreamID string `json:"stream_id"`

	// Position is where the next fetch resumes.
	Position Position `json:"position"`

	// RecentIDs holds recently emitted dedup ids.
	RecentIDs *RecentIDs `json:"recent_ids"`

	// LastSuccessAt is when a batch was last committed.
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`

	// LastError describes the most recent failure, if any.
	LastError *ErrorInfo `json:"last_error,omitempty"`

	// Counters accumulate over the life of the stream.
	Counters Counters `json:"counters"`

	// UpdatedAt is when the state was last snapshotted.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ErrorInfo records a failure for operators.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Counters are cumulative per-stream progress counters.
type Counters struct {
	EventsIn      uint64 `json:"events_in"`
	EventsOut     uint64 `json:"events_out"`
	EventsDropped uint64 `json:"events_dropped"`
	Pages         uint64 `json:"pages"`
	Retries       uint64 `json:"retries"`
}

// NewCursorState returns the fresh state of a stream that has never run.
func NewCursorState(streamID string, capacity int) *CursorState {
	return &CursorState{
		StreamID:  streamID,
		RecentIDs: NewRecentIDs(capacity),
	}
}

// EnsureRecentIDs guarantees a usable dedup cache with the given capacity.
func (c *CursorState) EnsureRecentIDs(capacity int) {
	if c.RecentIDs == nil {
		c.RecentIDs = NewRecentIDs(capacity)
		return
	}
	c.RecentIDs.Trim(capacity, 0, time.Time{})
}

// Compact trims the dedup cache to capacity and drops entries older than ttl.
func (c *CursorState) Compact(capacity int, ttl time.Duration, now time.Time) int {
	c.EnsureRecentIDs(capacity)
	return c.RecentIDs.Trim(capacity, ttl, now)
}

// RecordError stores err as the last error.
func (c *CursorState) RecordError(err error, now time.Time) {
	if err == nil {
		return
	}
	c.LastError = &ErrorInfo{Kind: KindOf(err), Message: err.Error(), At: now.UTC()}
}

// Clone returns a deep copy safe to hand to observers.
func (c *CursorState) Clone() *CursorState {
	if c == nil {
		return nil
	}
	out := *c
	out.Position.Token = append([]byte(nil), c.Position.Token...)
	if c.Position.Token == nil {
		out.Position.Token = nil
	}
	if c.RecentIDs != nil {
		out.RecentIDs = c.RecentIDs.Clone()
	}
	if c.LastError != nil {
		e := *c.LastError
		out.LastError = &e
	}
	return &out
}
