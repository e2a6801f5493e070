package domain

import (
	"container/list"
	"encoding/json"
	"time"
)

// DefaultRecentIDsCapacity is the default size of a stream's dedup cache.
const DefaultRecentIDsCapacity = 1000

// RecentIDs is a bounded least-recently-used set of emitted dedup ids.
// It absorbs same-boundary replays that vendors cannot avoid.
// Not safe for concurrent use; a cursor is owned by a single worker.
type RecentIDs struct {
	capacity int
	order    *list.List // front = least recently used
	index    map[string]*list.Element
}

type recentEntry struct {
	ID     string    `json:"id"`
	SeenAt time.Time `json:"seen_at"`
}

// NewRecentIDs creates an empty set. A non-positive capacity selects the default.
func NewRecentIDs(capacity int) *RecentIDs {
	if capacity <= 0 {
		capacity = DefaultRecentIDsCapacity
	}
	return &RecentIDs{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Capacity returns the maximum number of ids retained.
func (r *RecentIDs) Capacity() int {
	return r.capacity
}

// Len returns the number of ids retained.
func (r *RecentIDs) Len() int {
	return r.order.Len()
}

// Contains reports whether id was emitted recently. It does not change recency.
func (r *RecentIDs) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Add records id as emitted at the given time, evicting the least recently
// used entries beyond capacity.
func (r *RecentIDs) Add(id string, at time.Time) {
	if el, ok := r.index[id]; ok {
		el.Value.(*recentEntry).SeenAt = at.UTC()
		r.order.MoveToBack(el)
		return
	}
	r.index[id] = r.order.PushBack(&recentEntry{ID: id, SeenAt: at.UTC()})
	r.evict(r.capacity)
}

// IDs returns the retained ids, least recently used first.
func (r *RecentIDs) IDs() []string {
	ids := make([]string, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*recentEntry).ID)
	}
	return ids
}

// Trim shrinks the set to capacity and drops entries seen before now-ttl.
// A zero ttl keeps entries regardless of age. Returns the number removed.
func (r *RecentIDs) Trim(capacity int, ttl time.Duration, now time.Time) int {
	if capacity > 0 {
		r.capacity = capacity
	}
	removed := r.evict(r.capacity)
	if ttl <= 0 {
		return removed
	}
	cutoff := now.Add(-ttl)
	for el := r.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*recentEntry)
		if entry.SeenAt.Before(cutoff) {
			r.order.Remove(el)
			delete(r.index, entry.ID)
			removed++
		}
		el = next
	}
	return removed
}

func (r *RecentIDs) evict(capacity int) int {
	removed := 0
	for r.order.Len() > capacity {
		front := r.order.Front()
		r.order.Remove(front)
		delete(r.index, front.Value.(*recentEntry).ID)
		removed++
	}
	return removed
}

// Clone returns an independent copy.
func (r *RecentIDs) Clone() *RecentIDs {
	c := NewRecentIDs(r.capacity)
	for el := r.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*recentEntry)
		c.index[e.ID] = c.order.PushBack(&recentEntry{ID: e.ID, SeenAt: e.SeenAt})
	}
	return c
}

// MarshalJSON encodes the set as a list ordered least recently used first.
func (r *RecentIDs) MarshalJSON() ([]byte, error) {
	entries := make([]recentEntry, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, *el.Value.(*recentEntry))
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes a list produced by MarshalJSON. Capacity is kept
// from the receiver when set, otherwise the default applies.
func (r *RecentIDs) UnmarshalJSON(data []byte) error {
	var entries []recentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	capacity := r.capacity
	*r = *NewRecentIDs(capacity)
	for _, e := range entries {
		r.Add(e.ID, e.SeenAt)
	}
	return nil
}
