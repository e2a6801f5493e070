package auth

import (
	"context"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure StaticProvider implements the AuthProvider interface.
var _ driven.AuthProvider = (*StaticProvider)(nil)

// StaticProvider provides a fixed API token or personal access token.
// Static tokens don't expire and can't be refreshed: a vendor rejection
// stops the stream as fatal-auth.
type StaticProvider struct {
	name  string
	token string
}

// NewStaticProvider creates a provider for a fixed token.
func NewStaticProvider(name, token string) *StaticProvider {
	return &StaticProvider{name: name, token: token}
}

// Name returns the credential set name.
func (p *StaticProvider) Name() string {
	return p.name
}

// Method returns AuthMethodStatic.
func (p *StaticProvider) Method() domain.AuthMethod {
	return domain.AuthMethodStatic
}

// Token returns the fixed token.
func (p *StaticProvider) Token(_ context.Context) (*domain.Credential, error) {
	if p.token == "" {
		return nil, domain.ErrAuthRequired
	}
	return &domain.Credential{AccessToken: p.token, TokenType: "Bearer"}, nil
}

// Refresh returns ErrRefreshUnsupported.
func (p *StaticProvider) Refresh(_ context.Context) (*domain.Credential, error) {
	return nil, domain.ErrRefreshUnsupported
}

// Invalidate is a no-op; the token is all there is.
func (p *StaticProvider) Invalidate() {}
