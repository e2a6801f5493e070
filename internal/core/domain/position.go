package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PositionKind identifies which variant a Position holds.
type PositionKind string

// Position kinds.
const (
	// PositionNone is the zero position: the stream has never run.
	PositionNone PositionKind = ""

	// PositionToken is an opaque vendor token.
	PositionToken PositionKind = "token"

	// PositionTimestamp is a UTC instant with sub-second precision.
	PositionTimestamp PositionKind = "timestamp"

	// PositionFileID is a monotonic object id.
	PositionFileID PositionKind = "file_id"
)

// IsValid returns true if the kind is recognised.
func (k PositionKind) IsValid() bool {
	switch k {
	case PositionToken, PositionTimestamp, PositionFileID:
		return true
	default:
		return false
	}
}

// Position is the resumption point of a stream. Exactly one of the
// variant fields is meaningful, selected by Kind.
type Position struct {
	Kind      PositionKind
	Token     []byte
	Timestamp time.Time
	FileID    uint64
}

// TokenPosition returns a token position.
func TokenPosition(token []byte) Position {
	return Position{Kind: PositionToken, Token: bytes.Clone(token)}
}

// TimestampPosition returns a timestamp position normalised to UTC.
func TimestampPosition(t time.Time) Position {
	return Position{Kind: PositionTimestamp, Timestamp: t.UTC()}
}

// FileIDPosition returns a file id position.
func FileIDPosition(id uint64) Position {
	return Position{Kind: PositionFileID, FileID: id}
}

// IsZero reports whether the position is unset.
func (p Position) IsZero() bool {
	return p.Kind == PositionNone
}

// Equal reports whether two positions are identical.
func (p Position) Equal(o Position) bool {
	if p.Kind != o.Kind {
		return false
	}
	switch p.Kind {
	case PositionToken:
		return bytes.Equal(p.Token, o.Token)
	case PositionTimestamp:
		return p.Timestamp.Equal(o.Timestamp)
	case PositionFileID:
		return p.FileID == o.FileID
	default:
		return true
	}
}

// Before reports whether p is strictly behind o. Positions of different
// kinds never compare. Token positions are opaque and never compare either;
// their adapters own monotonicity.
func (p Position) Before(o Position) bool {
	if p.Kind != o.Kind {
		return false
	}
	switch p.Kind {
	case PositionTimestamp:
		return p.Timestamp.Before(o.Timestamp)
	case PositionFileID:
		return p.FileID < o.FileID
	default:
		return false
	}
}

// String returns a human-readable form for logs and status output.
func (p Position) String() string {
	switch p.Kind {
	case PositionToken:
		return "token:" + string(p.Token)
	case PositionTimestamp:
		return p.Timestamp.Format(time.RFC3339Nano)
	case PositionFileID:
		return "file:" + strconv.FormatUint(p.FileID, 10)
	default:
		return "none"
	}
}

type positionJSON struct {
	Kind      PositionKind `json:"kind"`
	Token     []byte       `json:"token,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	FileID    *uint64      `json:"file_id,omitempty"`
}

// MarshalJSON encodes the variant with an explicit kind tag.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{Kind: p.Kind}
	switch p.Kind {
	case PositionToken:
		out.Token = p.Token
	case PositionTimestamp:
		ts := p.Timestamp.UTC()
		out.Timestamp = &ts
	case PositionFileID:
		id := p.FileID
		out.FileID = &id
	case PositionNone:
	default:
		return nil, fmt.Errorf("marshal position kind %q: %w", p.Kind, ErrInvalidInput)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged variant.
func (p *Position) UnmarshalJSON(data []byte) error {
	var in positionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case PositionNone:
		*p = Position{}
	case PositionToken:
		*p = TokenPosition(in.Token)
	case PositionTimestamp:
		if in.Timestamp == nil {
			return fmt.Errorf("timestamp position without timestamp: %w", ErrInvalidInput)
		}
		*p = TimestampPosition(*in.Timestamp)
	case PositionFileID:
		if in.FileID == nil {
			return fmt.Errorf("file_id position without file_id: %w", ErrInvalidInput)
		}
		*p = FileIDPosition(*in.FileID)
	default:
		return fmt.Errorf("unknown position kind %q: %w", in.Kind, ErrInvalidInput)
	}
	return nil
}
