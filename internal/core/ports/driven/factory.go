package driven

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// AdapterDeps are the shared, read-only resources handed to an adapter builder.
// Everything here is configured once per adapter kind or credential set and
// shared across the workers that use it.
type AdapterDeps struct {
	// Auth is the credential provider for the stream. Nil for no-auth streams.
	Auth AuthProvider

	// HTTPClient is the connection pool for the adapter kind.
	HTTPClient *http.Client

	// Limiter is the rate limiter for the adapter kind.
	Limiter RateLimiter

	// Logger is scoped to the stream.
	Logger *zap.Logger

	// Now returns the current time. Tests substitute a fixed clock.
	Now func() time.Time
}

// AdapterBuilder creates a SourceAdapter for a stream.
// Returns a fatal-config error when the adapter rejects the configuration.
type AdapterBuilder func(stream domain.Stream, deps AdapterDeps) (SourceAdapter, error)

// AdapterFactory creates adapters from stream configuration.
// It maintains a registry of adapter kinds and their builders.
type AdapterFactory interface {
	// Create returns a SourceAdapter for the given stream.
	// Returns ErrUnsupportedType if the adapter kind is unknown.
	Create(ctx context.Context, stream domain.Stream, deps AdapterDeps) (SourceAdapter, error)

	// Register adds an adapter builder for the given kind.
	Register(kind string, builder AdapterBuilder)

	// SupportedKinds returns all registered adapter kinds.
	SupportedKinds() []string
}

// RateLimiter paces outbound vendor requests for one adapter kind.
type RateLimiter interface {
	// Wait blocks until a request may be made or ctx is done.
	Wait(ctx context.Context) error

	// Backoff pauses every caller until d has elapsed, typically after a
	// 429 or an exhausted quota.
	Backoff(d time.Duration)
}
