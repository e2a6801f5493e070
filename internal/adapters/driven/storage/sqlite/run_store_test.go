package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// ==================== RunStore Tests ====================

func TestRunStore_RecordAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	runs := store.RunStore()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, runs.RecordRun(ctx, &domain.WorkerRun{
			StreamID:  "okta",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
			Cause:     domain.ExitCrash,
			Error:     fmt.Sprintf("boom %d", i),
			EventsOut: uint64(i),
		}))
	}
	require.NoError(t, runs.RecordRun(ctx, &domain.WorkerRun{
		StreamID:  "github",
		StartedAt: base,
		EndedAt:   base,
		Cause:     domain.ExitFatalAuth,
	}))

	okta, err := runs.ListRuns(ctx, "okta", 10)
	require.NoError(t, err)
	require.Len(t, okta, 3)
	assert.Equal(t, "boom 2", okta[0].Error, "most recent first")
	assert.Equal(t, uint64(2), okta[0].EventsOut)
	assert.NotEmpty(t, okta[0].ID)

	all, err := runs.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRunStore_PruneKeepsMostRecentPerStream(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	runs := store.RunStore()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, stream := range []string{"a", "b"} {
		for i := 0; i < 5; i++ {
			require.NoError(t, runs.RecordRun(ctx, &domain.WorkerRun{
				StreamID:  stream,
				StartedAt: base.Add(time.Duration(i) * time.Millisecond * 500),
				EndedAt:   base.Add(time.Second * time.Duration(i)),
				Cause:     domain.ExitCancelled,
			}))
		}
	}

	require.NoError(t, runs.PruneRuns(ctx, 2))

	a, err := runs.ListRuns(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.True(t, a[0].StartedAt.Equal(base.Add(2*time.Second)))

	b, err := runs.ListRuns(ctx, "b", 10)
	require.NoError(t, err)
	assert.Len(t, b, 2)
}

func TestRunStore_RecordRejectsInvalid(t *testing.T) {
	store := setupTestStore(t)

	assert.ErrorIs(t, store.RunStore().RecordRun(context.Background(), nil), domain.ErrInvalidInput)
	assert.ErrorIs(t, store.RunStore().RecordRun(context.Background(), &domain.WorkerRun{}), domain.ErrInvalidInput)
}
