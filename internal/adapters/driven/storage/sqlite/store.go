package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/custodia-labs/ingestd/internal/adapters/driven/storage/sqlite/migrations"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// DBFileName is the database file created inside the state directory.
const DBFileName = "ingestd.db"

// timeLayout is fixed width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-based storage that provides the cursor and run-history
// interfaces through wrapper types.
type Store struct {
	db       *sql.DB
	path     string
	capacity int
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRecentIDsCapacity sets the dedup cache capacity of loaded states.
func WithRecentIDsCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithClock substitutes the clock used for updated_at and compaction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new SQLite store in the specified state directory.
func NewStore(dataDir string, opts ...Option) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("state directory: %w", domain.ErrInvalidInput)
	}

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:       db,
		path:     dbPath,
		capacity: domain.DefaultRecentIDsCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// CursorStore returns a CursorStore interface backed by this store.
func (s *Store) CursorStore() driven.CursorStore {
	return &cursorStore{store: s}
}

// RunStore returns a RunStore interface backed by this store.
func (s *Store) RunStore() driven.RunStore {
	return &runStore{store: s}
}

// migrate runs all pending migrations.
func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".up.sql") {
			upFiles = append(upFiles, name)
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_cursors.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}

	return nil
}

// ==================== Cursor Store ====================

// cursorStore implements driven.CursorStore.
type cursorStore struct {
	store *Store
}

var _ driven.CursorStore = (*cursorStore)(nil)

// Load returns the stream's state, or a fresh state if none exists.
func (c *cursorStore) Load(ctx context.Context, streamID string) (*domain.CursorState, error) {
	row := c.store.db.QueryRowContext(ctx, `
		SELECT stream_id, position, recent_ids, last_success_at, last_error, counters, updated_at
		FROM cursors WHERE stream_id = ?
	`, streamID)

	state, err := c.scan(row)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewCursorState(streamID, c.store.capacity), nil
	}
	if errors.Is(err, domain.ErrCursorCorrupt) {
		return domain.NewCursorState(streamID, c.store.capacity), fmt.Errorf("load %s: %w", streamID, err)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Snapshot upserts the stream's state in a single statement.
func (c *cursorStore) Snapshot(ctx context.Context, state *domain.CursorState) error {
	if state == nil || state.StreamID == "" {
		return domain.ErrInvalidInput
	}
	state.EnsureRecentIDs(c.store.capacity)

	position, err := json.Marshal(state.Position)
	if err != nil {
		return fmt.Errorf("marshalling position: %w", err)
	}
	recent, err := json.Marshal(state.RecentIDs)
	if err != nil {
		return fmt.Errorf("marshalling recent ids: %w", err)
	}
	counters, err := json.Marshal(state.Counters)
	if err != nil {
		return fmt.Errorf("marshalling counters: %w", err)
	}
	var lastError any
	if state.LastError != nil {
		data, err := json.Marshal(state.LastError)
		if err != nil {
			return fmt.Errorf("marshalling last error: %w", err)
		}
		lastError = string(data)
	}
	state.UpdatedAt = c.store.now().UTC()

	_, err = c.store.db.ExecContext(ctx, `
		INSERT INTO cursors (stream_id, position, recent_ids, last_success_at, last_error, counters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			position = excluded.position,
			recent_ids = excluded.recent_ids,
			last_success_at = excluded.last_success_at,
			last_error = excluded.last_error,
			counters = excluded.counters,
			updated_at = excluded.updated_at
	`, state.StreamID, string(position), string(recent),
		formatNullableTime(state.LastSuccessAt), lastError, string(counters),
		state.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// Compact trims a stored dedup cache.
func (c *cursorStore) Compact(ctx context.Context, streamID string, capacity int, ttl time.Duration) error {
	state, err := c.Load(ctx, streamID)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		return nil // never persisted
	}
	if state.Compact(capacity, ttl, c.store.now()) == 0 {
		return nil
	}
	return c.Snapshot(ctx, state)
}

// List returns every stored state ordered by stream id. Corrupt rows are
// returned as fresh states carrying a last error.
func (c *cursorStore) List(ctx context.Context) ([]*domain.CursorState, error) {
	rows, err := c.store.db.QueryContext(ctx, `
		SELECT stream_id, position, recent_ids, last_success_at, last_error, counters, updated_at
		FROM cursors ORDER BY stream_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying cursors: %w", err)
	}
	defer rows.Close()

	var states []*domain.CursorState //nolint:prealloc // size unknown from query
	for rows.Next() {
		state, err := c.scan(rows)
		if errors.Is(err, domain.ErrCursorCorrupt) && state != nil {
			state.RecordError(err, c.store.now())
		} else if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cursors: %w", err)
	}
	return states, nil
}

// Close is a no-op; the owning Store closes the database.
func (c *cursorStore) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scan decodes one cursor row. Undecodable JSON yields a fresh state and
// ErrCursorCorrupt.
func (c *cursorStore) scan(row scanner) (*domain.CursorState, error) {
	var streamID, position, recent, counters, updatedAt string
	var lastSuccess, lastError sql.NullString

	if err := row.Scan(&streamID, &position, &recent, &lastSuccess, &lastError, &counters, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning cursor: %w", err)
	}

	state := domain.NewCursorState(streamID, c.store.capacity)
	if err := json.Unmarshal([]byte(position), &state.Position); err != nil {
		return domain.NewCursorState(streamID, c.store.capacity), fmt.Errorf("position: %w: %v", domain.ErrCursorCorrupt, err)
	}
	if err := json.Unmarshal([]byte(recent), state.RecentIDs); err != nil {
		return domain.NewCursorState(streamID, c.store.capacity), fmt.Errorf("recent ids: %w: %v", domain.ErrCursorCorrupt, err)
	}
	if err := json.Unmarshal([]byte(counters), &state.Counters); err != nil {
		return domain.NewCursorState(streamID, c.store.capacity), fmt.Errorf("counters: %w: %v", domain.ErrCursorCorrupt, err)
	}
	if lastError.Valid && lastError.String != "" {
		var info domain.ErrorInfo
		if err := json.Unmarshal([]byte(lastError.String), &info); err == nil {
			state.LastError = &info
		}
	}
	state.LastSuccessAt = parseNullableTime(lastSuccess)
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		state.UpdatedAt = t
	}
	return state, nil
}

// ==================== Helper Functions ====================

// formatNullableTime formats a time to RFC3339Nano, or returns nil for zero time.
func formatNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// parseNullableTime parses a nullable RFC3339 string to time.Time.
// Returns zero time if the string is empty or invalid.
func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullString returns nil for empty strings, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
