package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// setupTestStore creates a store in a temporary directory.
func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), opts...)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

// ==================== Store Tests ====================

func TestNewStore_RequiresDirectory(t *testing.T) {
	_, err := NewStore("")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNewStore_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewStore(dir)
	require.NoError(t, err)
	defer second.Close()

	var version int
	require.NoError(t, second.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)
}

// ==================== CursorStore Tests ====================

func TestCursorStore_LoadMissingReturnsFreshState(t *testing.T) {
	store := setupTestStore(t, WithRecentIDsCapacity(50))

	state, err := store.CursorStore().Load(context.Background(), "okta")
	require.NoError(t, err)

	assert.Equal(t, "okta", state.StreamID)
	assert.True(t, state.Position.IsZero())
	assert.Equal(t, 50, state.RecentIDs.Capacity())
}

func TestCursorStore_SnapshotAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cursors := store.CursorStore()

	ts := time.Date(2024, 5, 1, 10, 0, 2, 1000, time.UTC)
	state := domain.NewCursorState("okta", 10)
	state.Position = domain.TimestampPosition(ts)
	state.RecentIDs.Add("a", ts)
	state.RecentIDs.Add("b", ts)
	state.LastSuccessAt = ts
	state.Counters.EventsOut = 2
	require.NoError(t, cursors.Snapshot(ctx, state))

	// Overwrite to exercise the upsert path
	state.Counters.EventsOut = 3
	require.NoError(t, cursors.Snapshot(ctx, state))

	loaded, err := cursors.Load(ctx, "okta")
	require.NoError(t, err)
	assert.True(t, loaded.Position.Equal(state.Position))
	assert.Equal(t, []string{"a", "b"}, loaded.RecentIDs.IDs())
	assert.Equal(t, uint64(3), loaded.Counters.EventsOut)
	assert.True(t, loaded.LastSuccessAt.Equal(ts))
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestCursorStore_CorruptRowReportedAsEmptyState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.db.Exec(`INSERT INTO cursors (stream_id, position, updated_at) VALUES ('bad', '{not json', '2024-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	state, err := store.CursorStore().Load(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrCursorCorrupt)
	require.NotNil(t, state)
	assert.True(t, state.Position.IsZero())

	states, err := store.CursorStore().List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].LastError)
}

func TestCursorStore_Compact(t *testing.T) {
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	store := setupTestStore(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	cursors := store.CursorStore()

	state := domain.NewCursorState("okta", 10)
	state.RecentIDs.Add("old", now.Add(-96*time.Hour))
	state.RecentIDs.Add("new", now)
	require.NoError(t, cursors.Snapshot(ctx, state))

	require.NoError(t, cursors.Compact(ctx, "okta", 10, 72*time.Hour))

	loaded, err := cursors.Load(ctx, "okta")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, loaded.RecentIDs.IDs())

	// Compacting an unknown stream is a no-op
	require.NoError(t, cursors.Compact(ctx, "missing", 10, time.Hour))
}

func TestCursorStore_ListOrdersByStream(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	cursors := store.CursorStore()

	for _, id := range []string{"zeta", "alpha"} {
		require.NoError(t, cursors.Snapshot(ctx, domain.NewCursorState(id, 10)))
	}

	states, err := cursors.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].StreamID)
	assert.Equal(t, "zeta", states[1].StreamID)
}

func TestCursorStore_SnapshotRejectsMissingID(t *testing.T) {
	store := setupTestStore(t)

	err := store.CursorStore().Snapshot(context.Background(), &domain.CursorState{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
