package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

func TestCursorStore_LoadMissing(t *testing.T) {
	store := NewCursorStore(0)

	state, err := store.Load(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "s", state.StreamID)
	assert.Equal(t, domain.DefaultRecentIDsCapacity, state.RecentIDs.Capacity())
}

func TestCursorStore_SnapshotIsolatesCaller(t *testing.T) {
	store := NewCursorStore(10)
	ctx := context.Background()

	state := domain.NewCursorState("s", 10)
	state.Position = domain.FileIDPosition(2)
	state.RecentIDs.Add("a", time.Now())
	require.NoError(t, store.Snapshot(ctx, state))

	// Mutating after snapshot must not leak into the store
	state.Position = domain.FileIDPosition(9)
	state.RecentIDs.Add("b", time.Now())

	loaded, err := store.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Position.FileID)
	assert.False(t, loaded.RecentIDs.Contains("b"))
}

func TestCursorStore_CompactAndList(t *testing.T) {
	store := NewCursorStore(10)
	ctx := context.Background()

	state := domain.NewCursorState("b", 10)
	for _, id := range []string{"1", "2", "3"} {
		state.RecentIDs.Add(id, time.Now())
	}
	require.NoError(t, store.Snapshot(ctx, state))
	require.NoError(t, store.Snapshot(ctx, domain.NewCursorState("a", 10)))

	require.NoError(t, store.Compact(ctx, "b", 1, 0))

	states, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].StreamID)
	assert.Equal(t, []string{"3"}, states[1].RecentIDs.IDs())
}

func TestCursorStore_Concurrent(t *testing.T) {
	store := NewCursorStore(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := domain.NewCursorState("s", 10)
			state.Position = domain.FileIDPosition(uint64(i))
			assert.NoError(t, store.Snapshot(ctx, state))
			_, err := store.Load(ctx, "s")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestRunStore(t *testing.T) {
	store := NewRunStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.RecordRun(ctx, &domain.WorkerRun{
			StreamID:  "s",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Cause:     domain.ExitCrash,
		}))
	}
	require.NoError(t, store.RecordRun(ctx, &domain.WorkerRun{StreamID: "t", StartedAt: base}))

	runs, err := store.ListRuns(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.Equal(base.Add(3*time.Minute)))
	assert.NotEmpty(t, runs[0].ID)

	require.NoError(t, store.PruneRuns(ctx, 1))
	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, store.RecordRun(ctx, nil), domain.ErrInvalidInput)
}
