package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

func batchOf(ids ...string) *domain.Batch {
	records := make([]domain.Record, 0, len(ids))
	for i, id := range ids {
		records = append(records, rec(id, baseTime.Add(time.Duration(i)*time.Second)))
	}
	return domain.NewBatch("s", "audit", records)
}

func TestForwarder_SplitsIntoOrderedChunks(t *testing.T) {
	intake := &mockIntake{}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("1", "2", "3", "4", "5"), PushOptions{ChunkSize: 2})
	require.NoError(t, err)

	assert.True(t, ack.OK())
	assert.Equal(t, 5, ack.Count)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ack.IDs)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}, {"5"}}, intake.Accepted())
}

func TestForwarder_EmptyBatch(t *testing.T) {
	intake := &mockIntake{}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), domain.NewBatch("s", "audit", nil), PushOptions{})
	require.NoError(t, err)
	assert.True(t, ack.OK())
	assert.Zero(t, intake.Attempts())
}

func TestForwarder_RetriesTransientFailures(t *testing.T) {
	intake := &mockIntake{script: []error{
		domain.Transient("push", errUnavailable),
		domain.RateLimited("push", time.Millisecond, nil),
	}}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("e", "f"), PushOptions{})
	require.NoError(t, err)
	assert.True(t, ack.OK())
	assert.Equal(t, 3, intake.Attempts())
	assert.Equal(t, [][]string{{"e", "f"}}, intake.Accepted())
}

func TestForwarder_TransientExhausted(t *testing.T) {
	intake := &mockIntake{failAll: domain.Transient("push", errUnavailable)}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("a"), PushOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeTransientFail, ack.Outcome)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	assert.Equal(t, 3, intake.Attempts())
}

func TestForwarder_PermanentFailIsNotRetried(t *testing.T) {
	intake := &mockIntake{failAll: domain.PermanentFail("push", errors.New("422"))}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("a", "b"), PushOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.OutcomePermanentFail, ack.Outcome)
	assert.Equal(t, 1, intake.Attempts())
}

func TestForwarder_PartialSuccessIsNotOK(t *testing.T) {
	intake := &mockIntake{script: []error{nil}, failAll: domain.Transient("push", errUnavailable)}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("1", "2", "3"), PushOptions{ChunkSize: 2})
	require.Error(t, err)
	assert.False(t, ack.OK())
	assert.Equal(t, 2, ack.Count)
}

func TestForwarder_DefaultEncoding(t *testing.T) {
	body, err := EncodeRecord("s", rec("a", baseTime))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "s", decoded["stream_id"])
	assert.Equal(t, "a", decoded["dedup_id"])
	assert.Equal(t, "2024-03-01T12:00:00Z", decoded["event_time"])
	assert.Equal(t, map[string]any{"id": "a"}, decoded["payload"])
}

type upperEncoder struct{}

func (upperEncoder) EncodeRecord(_ string, r domain.Record) ([]byte, error) {
	if r.DedupID == "bad" {
		return nil, errors.New("cannot encode")
	}
	return []byte(`"` + r.DedupID + `"`), nil
}

type capturingIntake struct {
	mockIntake
	bodies []string
}

func (c *capturingIntake) Push(ctx context.Context, key string, records []domain.EncodedRecord) (driven.IntakeResponse, error) {
	for _, r := range records {
		c.bodies = append(c.bodies, string(r.Body))
	}
	return c.mockIntake.Push(ctx, key, records)
}

func TestForwarder_EncoderOverrideAndSkips(t *testing.T) {
	intake := &capturingIntake{}
	f := newTestForwarder(intake)

	ack, err := f.Push(context.Background(), batchOf("a", "bad", "c"), PushOptions{Encoder: upperEncoder{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, ack.Skipped)
	assert.Equal(t, 2, ack.Count)
	assert.Equal(t, []string{`"a"`, `"c"`}, intake.bodies)
}

func TestForwarder_SemaphoreCapsInflight(t *testing.T) {
	intake := &mockIntake{delay: 20 * time.Millisecond}
	f := NewForwarder(intake, ForwarderConfig{MaxInflight: 2, RequestTimeout: time.Second, Retry: fastPolicy()}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Push(context.Background(), batchOf("x"), PushOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	intake.mu.Lock()
	defer intake.mu.Unlock()
	assert.LessOrEqual(t, intake.peak, 2)
	assert.Equal(t, 6, intake.attempts)
}

func TestForwarder_RequestTimeout(t *testing.T) {
	intake := &mockIntake{delay: time.Second}
	p := fastPolicy()
	p.MaxAttempts = 1
	f := NewForwarder(intake, ForwarderConfig{RequestTimeout: 10 * time.Millisecond, Retry: p}, zap.NewNop())

	start := time.Now()
	ack, err := f.Push(context.Background(), batchOf("a"), PushOptions{})
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeTransientFail, ack.Outcome)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
