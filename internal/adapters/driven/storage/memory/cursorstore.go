package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure CursorStore implements the interface.
var _ driven.CursorStore = (*CursorStore)(nil)

// CursorStore is an in-memory implementation of driven.CursorStore.
// States are copied on the way in and out, matching durable stores.
type CursorStore struct {
	mu       sync.RWMutex
	states   map[string]*domain.CursorState
	capacity int
	now      func() time.Time
}

// NewCursorStore creates a new in-memory cursor store.
func NewCursorStore(capacity int) *CursorStore {
	if capacity <= 0 {
		capacity = domain.DefaultRecentIDsCapacity
	}
	return &CursorStore{
		states:   make(map[string]*domain.CursorState),
		capacity: capacity,
		now:      time.Now,
	}
}

// Load returns a copy of the stream's state, or a fresh state.
func (s *CursorStore) Load(_ context.Context, streamID string) (*domain.CursorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[streamID]
	if !ok {
		return domain.NewCursorState(streamID, s.capacity), nil
	}
	return state.Clone(), nil
}

// Snapshot stores a copy of state.
func (s *CursorStore) Snapshot(_ context.Context, state *domain.CursorState) error {
	if state == nil || state.StreamID == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state.EnsureRecentIDs(s.capacity)
	state.UpdatedAt = s.now().UTC()
	s.states[state.StreamID] = state.Clone()
	return nil
}

// Compact trims a stored dedup cache.
func (s *CursorStore) Compact(_ context.Context, streamID string, capacity int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[streamID]; ok {
		state.Compact(capacity, ttl, s.now())
	}
	return nil
}

// List returns copies of every stored state, ordered by stream id.
func (s *CursorStore) List(_ context.Context) ([]*domain.CursorState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CursorState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	return out, nil
}

// Close is a no-op.
func (s *CursorStore) Close() error {
	return nil
}
