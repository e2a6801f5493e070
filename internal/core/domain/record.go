package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

// Record is one raw event as delivered by a source adapter.
type Record struct {
	// DedupID is stable for the record's identifying content.
	DedupID string

	// EventTime is the vendor-reported time, in UTC.
	EventTime time.Time

	// Payload is the vendor-native event, passed through untouched.
	Payload json.RawMessage

	// Checkpoint, when set, is a position from which the stream can safely
	// resume once this record and every record before it are acknowledged.
	Checkpoint *Position
}

// HashDedupID derives a dedup id for vendors without a native event id.
// The result is deterministic in category, stable time and key fields.
func HashDedupID(category string, stableTime time.Time, keyFields ...string) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(stableTime.UTC().Format(time.RFC3339Nano)))
	for _, f := range keyFields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortRecords orders records by event time, keeping the original order of
// records with equal times.
func SortRecords(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		return a.EventTime.Compare(b.EventTime)
	})
}

// Batch is a contiguous slice of records destined for the intake.
type Batch struct {
	// StreamID is the stream the records came from.
	StreamID string

	// IntakeKey routes the batch downstream.
	IntakeKey string

	// Records are ordered by event time.
	Records []Record

	// Earliest is the smallest event time in the batch.
	Earliest time.Time

	// Latest is the largest event time in the batch.
	Latest time.Time
}

// NewBatch builds a batch and computes its time bounds.
func NewBatch(streamID, intakeKey string, records []Record) *Batch {
	b := &Batch{StreamID: streamID, IntakeKey: intakeKey, Records: records}
	for i, r := range records {
		if i == 0 || r.EventTime.Before(b.Earliest) {
			b.Earliest = r.EventTime
		}
		if i == 0 || r.EventTime.After(b.Latest) {
			b.Latest = r.EventTime
		}
	}
	return b
}

// Len returns the number of records.
func (b *Batch) Len() int {
	return len(b.Records)
}

// EncodedRecord is a record serialised to the intake's canonical encoding.
type EncodedRecord struct {
	DedupID string
	Body    []byte
}

// Outcome is the forwarder's verdict on a batch.
type Outcome string

// Outcomes.
const (
	OutcomeOK            Outcome = "ok"
	OutcomeTransientFail Outcome = "transient-fail"
	OutcomePermanentFail Outcome = "permanent-fail"
)

// IntakeAck is the forwarder's result for a batch.
type IntakeAck struct {
	// Count is the number of records forwarded.
	Count int

	// Skipped lists dedup ids of records that could not be encoded.
	// They are dropped as malformed and never reach the intake.
	Skipped []string

	// IDs are the intake-assigned ids, concatenated across chunks.
	// An empty list is a valid ok result when the intake suppressed everything.
	IDs []string

	// Outcome drives cursor advance and metrics.
	Outcome Outcome
}

// OK reports whether the batch may be committed.
func (a IntakeAck) OK() bool {
	return a.Outcome == OutcomeOK
}
