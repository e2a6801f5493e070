package driven

import (
	"context"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

// AuthProvider supplies credentials for vendor calls.
// One provider exists per credential set and is shared by reference across
// every worker using that set; implementations guard their cache with a mutex
// and refresh ahead of expiry.
type AuthProvider interface {
	// Name returns the credential set name.
	Name() string

	// Method returns the authentication method.
	Method() domain.AuthMethod

	// Token returns a valid credential, refreshing it when it is within the
	// refresh lead of expiry.
	Token(ctx context.Context) (*domain.Credential, error)

	// Refresh forces a new credential, used after the vendor rejected the
	// current one. Returns ErrRefreshUnsupported for static credentials.
	Refresh(ctx context.Context) (*domain.Credential, error)

	// Invalidate drops any cached credential.
	Invalidate()
}
