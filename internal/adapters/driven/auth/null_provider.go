package auth

import (
	"context"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure NullProvider implements the AuthProvider interface.
var _ driven.AuthProvider = (*NullProvider)(nil)

// NullProvider is for vendors that require no authentication, such as an
// index served from a local directory.
type NullProvider struct {
	name string
}

// NewNullProvider creates a provider that sends no credentials.
func NewNullProvider(name string) *NullProvider {
	return &NullProvider{name: name}
}

// Name returns the credential set name.
func (p *NullProvider) Name() string {
	return p.name
}

// Method returns AuthMethodNone.
func (p *NullProvider) Method() domain.AuthMethod {
	return domain.AuthMethodNone
}

// Token returns an empty credential.
func (p *NullProvider) Token(_ context.Context) (*domain.Credential, error) {
	return &domain.Credential{}, nil
}

// Refresh always fails: there is nothing to refresh.
func (p *NullProvider) Refresh(_ context.Context) (*domain.Credential, error) {
	return nil, domain.ErrRefreshUnsupported
}

// Invalidate is a no-op.
func (p *NullProvider) Invalidate() {}
