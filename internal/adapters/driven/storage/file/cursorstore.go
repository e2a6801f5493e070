package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

const (
	fileExt  = ".json"
	filePerm = 0o600
	dirPerm  = 0o700
)

// CursorStore implements driven.CursorStore on a directory of JSON files.
type CursorStore struct {
	dir      string
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Ensure CursorStore implements the interface.
var _ driven.CursorStore = (*CursorStore)(nil)

// Option configures a CursorStore.
type Option func(*CursorStore)

// WithRecentIDsCapacity sets the dedup cache capacity of loaded states.
func WithRecentIDsCapacity(n int) Option {
	return func(s *CursorStore) { s.capacity = n }
}

// WithClock substitutes the clock used for updated_at and compaction.
func WithClock(now func() time.Time) Option {
	return func(s *CursorStore) { s.now = now }
}

// NewCursorStore creates a store rooted at dir, creating it if needed.
func NewCursorStore(dir string, opts ...Option) (*CursorStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cursor directory: %w", domain.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating cursor directory: %w", err)
	}
	s := &CursorStore{
		dir:      dir,
		capacity: domain.DefaultRecentIDsCapacity,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the directory holding the cursor files.
func (s *CursorStore) Dir() string {
	return s.dir
}

// Load returns the stream's state, or a fresh state if no file exists.
func (s *CursorStore) Load(ctx context.Context, streamID string) (*domain.CursorState, error) {
	path, err := s.path(streamID)
	if err != nil {
		return nil, err
	}
	lock := s.lock(streamID)
	lock.Lock()
	defer lock.Unlock()

	return s.load(ctx, streamID, path)
}

func (s *CursorStore) load(ctx context.Context, streamID, path string) (*domain.CursorState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewCursorState(streamID, s.capacity), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cursor %s: %w", streamID, err)
	}

	state, decodeErr := s.decode(streamID, data)
	if decodeErr == nil {
		return state, nil
	}

	quarantine := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := os.Rename(path, quarantine); err != nil {
		return domain.NewCursorState(streamID, s.capacity), fmt.Errorf("cursor %s: %w: %v (quarantine failed: %v)",
			streamID, domain.ErrCursorCorrupt, decodeErr, err)
	}
	return domain.NewCursorState(streamID, s.capacity), fmt.Errorf("cursor %s moved to %s: %w: %v",
		streamID, quarantine, domain.ErrCursorCorrupt, decodeErr)
}

func (s *CursorStore) decode(streamID string, data []byte) (*domain.CursorState, error) {
	state := &domain.CursorState{RecentIDs: domain.NewRecentIDs(s.capacity)}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.StreamID != streamID {
		return nil, fmt.Errorf("file holds stream %q", state.StreamID)
	}
	state.EnsureRecentIDs(s.capacity)
	return state, nil
}

// Snapshot atomically replaces the stream's file: write to a temporary file,
// fsync, rename, fsync the directory.
func (s *CursorStore) Snapshot(ctx context.Context, state *domain.CursorState) error {
	if state == nil {
		return domain.ErrInvalidInput
	}
	path, err := s.path(state.StreamID)
	if err != nil {
		return err
	}
	lock := s.lock(state.StreamID)
	lock.Lock()
	defer lock.Unlock()

	return s.write(ctx, path, state)
}

func (s *CursorStore) write(ctx context.Context, path string, state *domain.CursorState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state.EnsureRecentIDs(s.capacity)
	state.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling cursor: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cursor: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cursor: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("setting cursor permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing cursor: %w", err)
	}
	committed = true

	return syncDir(s.dir)
}

// Compact trims a stored dedup cache in place.
func (s *CursorStore) Compact(ctx context.Context, streamID string, capacity int, ttl time.Duration) error {
	path, err := s.path(streamID)
	if err != nil {
		return err
	}
	lock := s.lock(streamID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	state, err := s.load(ctx, streamID, path)
	if err != nil {
		return err
	}
	if state.Compact(capacity, ttl, s.now()) == 0 {
		return nil
	}
	return s.write(ctx, path, state)
}

// List returns every stored state, ordered by stream id. Files that cannot
// be decoded are reported as fresh states with a last error; they are not
// moved aside, since listing is a read-only observer operation.
func (s *CursorStore) List(ctx context.Context) ([]*domain.CursorState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading cursor directory: %w", err)
	}

	states := make([]*domain.CursorState, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		streamID := strings.TrimSuffix(name, fileExt)
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading cursor %s: %w", streamID, err)
		}
		state, decodeErr := s.decode(streamID, data)
		if decodeErr != nil {
			state = domain.NewCursorState(streamID, s.capacity)
			state.RecordError(fmt.Errorf("%w: %v", domain.ErrCursorCorrupt, decodeErr), s.now())
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StreamID < states[j].StreamID })
	return states, nil
}

// Close is a no-op.
func (s *CursorStore) Close() error {
	return nil
}

func (s *CursorStore) path(streamID string) (string, error) {
	if !ValidStreamID(streamID) {
		return "", fmt.Errorf("stream id %q: %w", streamID, domain.ErrInvalidInput)
	}
	return filepath.Join(s.dir, streamID+fileExt), nil
}

func (s *CursorStore) lock(streamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[streamID] = l
	}
	return l
}

// ValidStreamID reports whether id is safe to use as a file name.
func ValidStreamID(id string) bool {
	if id == "" || len(id) > 128 || strings.HasPrefix(id, ".") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening cursor directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing cursor directory: %w", err)
	}
	return nil
}
