package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// failingRunStore fails every listing.
type failingRunStore struct {
	mockRunStore
	err error
}

func (f *failingRunStore) ListRuns(context.Context, string, int) ([]domain.WorkerRun, error) {
	return nil, f.err
}

func TestStatusService_Streams(t *testing.T) {
	ctx := context.Background()
	store := newMockCursorStore()

	audit := domain.NewCursorState("audit", 10)
	audit.Position = domain.TimestampPosition(baseTime)
	audit.Counters = domain.Counters{EventsIn: 5, EventsOut: 4, EventsDropped: 1}
	audit.LastSuccessAt = baseTime
	audit.RecordError(domain.Transient("fetch", errors.New("timeout")), baseTime)
	store.put(audit)
	store.put(domain.NewCursorState("retired", 10))

	runs := &mockRunStore{}
	for _, run := range []domain.WorkerRun{
		{StreamID: "gh", Cause: domain.ExitCrash, Error: "panic"},
		{StreamID: "gh", Cause: domain.ExitLiveness},
		{StreamID: "gh", Cause: domain.ExitFatalAuth, Error: "token revoked"},
	} {
		require.NoError(t, runs.RecordRun(ctx, &run))
	}

	svc := NewStatusService([]domain.Stream{testStream("gh"), testStream("audit")}, store, runs)
	rows, err := svc.Streams(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "audit", rows[0].StreamID)
	assert.Equal(t, "mock", rows[0].AdapterKind)
	assert.True(t, rows[0].Position.Equal(domain.TimestampPosition(baseTime)))
	assert.EqualValues(t, 5, rows[0].EventsIn)
	assert.EqualValues(t, 4, rows[0].EventsOut)
	assert.EqualValues(t, 1, rows[0].Dropped)
	assert.Contains(t, rows[0].LastError, "timeout")
	assert.Equal(t, domain.WorkerStopped, rows[0].State)

	assert.Equal(t, "gh", rows[1].StreamID)
	assert.True(t, rows[1].Position.IsZero())
	assert.Equal(t, domain.ExitFatalAuth, rows[1].LastExit)
	assert.Equal(t, "token revoked", rows[1].LastError)
	assert.Equal(t, 2, rows[1].Restarts)

	assert.Equal(t, "retired", rows[2].StreamID)
	assert.Empty(t, rows[2].AdapterKind)

	history, err := svc.Runs(ctx, "gh", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExitFatalAuth, history[0].Cause)
}

func TestStatusService_WithoutRunStore(t *testing.T) {
	svc := NewStatusService([]domain.Stream{testStream("a")}, newMockCursorStore(), nil)

	rows, err := svc.Streams(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Restarts)

	runs, err := svc.Runs(context.Background(), "a", 5)
	assert.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStatusService_RunStoreError(t *testing.T) {
	svc := NewStatusService([]domain.Stream{testStream("a")}, newMockCursorStore(), &failingRunStore{err: errors.New("disk")})

	_, err := svc.Streams(context.Background())
	assert.ErrorContains(t, err, "disk")
}
