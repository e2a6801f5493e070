package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashDedupID_Deterministic(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := HashDedupID("audit", ts, "user-1", "login")
	b := HashDedupID("audit", ts.In(time.FixedZone("X", 3600)), "user-1", "login")
	c := HashDedupID("audit", ts, "user-1", "logout")

	assert.Equal(t, a, b, "same instant in another zone must hash equally")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.NotEqual(t, HashDedupID("ab", ts, "c"), HashDedupID("a", ts, "bc"))
}

func TestSortRecords_StableByEventTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{DedupID: "late", EventTime: t0.Add(2 * time.Second)},
		{DedupID: "first-tie", EventTime: t0},
		{DedupID: "second-tie", EventTime: t0},
	}

	SortRecords(records)

	assert.Equal(t, "first-tie", records[0].DedupID)
	assert.Equal(t, "second-tie", records[1].DedupID)
	assert.Equal(t, "late", records[2].DedupID)
}

func TestNewBatch_Bounds(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBatch("s", "k", []Record{
		{DedupID: "a", EventTime: t0.Add(time.Second)},
		{DedupID: "b", EventTime: t0},
		{DedupID: "c", EventTime: t0.Add(3 * time.Second)},
	})

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, t0, b.Earliest)
	assert.Equal(t, t0.Add(3*time.Second), b.Latest)
	assert.True(t, IntakeAck{Outcome: OutcomeOK}.OK())
	assert.False(t, IntakeAck{Outcome: OutcomeTransientFail}.OK())
}
