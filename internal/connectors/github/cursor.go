package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// CursorVersion is the current cursor schema version.
const CursorVersion = 1

// ErrInvalidCursor indicates the cursor token could not be decoded.
var ErrInvalidCursor = errors.New("github: invalid cursor format")

// Cursor tracks how far the events feed has been read.
type Cursor struct {
	// Version is the schema version for future migrations.
	Version int `json:"v"`

	// LastID is the highest event id forwarded.
	LastID int64 `json:"last_id"`

	// Since is the creation time of LastID, or the start time of a new stream.
	Since time.Time `json:"since"`
}

// Position encodes the cursor as a token position.
func (c Cursor) Position() domain.Position {
	c.Version = CursorVersion
	c.Since = c.Since.UTC()
	data, _ := json.Marshal(c)
	return domain.TokenPosition(data)
}

// DecodeCursor reads a token position.
func DecodeCursor(p domain.Position) (Cursor, error) {
	if p.Kind != domain.PositionToken {
		return Cursor{}, fmt.Errorf("%s: %w", p.Kind, domain.ErrPositionKind)
	}
	var c Cursor
	if err := json.Unmarshal(p.Token, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	if c.Version != CursorVersion {
		return Cursor{}, fmt.Errorf("%w: version %d", ErrInvalidCursor, c.Version)
	}
	return c, nil
}

// advance moves the cursor past an event. Ids grow with time, so the
// highest id is the newest event.
func (c Cursor) advance(id int64, created time.Time) Cursor {
	if id > c.LastID {
		c.LastID = id
		c.Since = created
	}
	return c
}
