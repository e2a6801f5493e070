package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// IntakeResponse is the intake's reply to one push.
type IntakeResponse struct {
	// IDs are intake-assigned ids for the accepted records.
	IDs []string

	// RetryAfter is a server-requested pause before the next push, if any.
	RetryAfter time.Duration
}

// Intake is the downstream collaborator that accepts records.
// Implementations must be idempotent on the record dedup id.
//
// Push returns classified errors: transient (5xx, 408, 429, timeouts)
// and permanent-fail (any other 4xx).
type Intake interface {
	// Push submits one chunk of encoded records under intakeKey.
	Push(ctx context.Context, intakeKey string, records []domain.EncodedRecord) (IntakeResponse, error)

	// Close releases resources.
	Close() error
}
