package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Transport attaches the provider's current credential to every request.
type Transport struct {
	// Base is the underlying transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	// Provider supplies the credential.
	Provider driven.AuthProvider

	// Header carries the token. Defaults to Authorization.
	Header string

	// Scheme prefixes the token. Defaults to the credential's token type,
	// then Bearer. Set to "-" to send the bare token.
	Scheme string
}

// NewTransport creates a Transport honouring the header and scheme of a
// credential set.
func NewTransport(base http.RoundTripper, p driven.AuthProvider, set domain.CredentialSet) *Transport {
	return &Transport{Base: base, Provider: p, Header: set.Header, Scheme: set.Scheme}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Provider == nil {
		return base.RoundTrip(req)
	}

	cred, err := t.Provider.Token(req.Context())
	if err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set(t.headerName(), t.headerValue(cred))
	return base.RoundTrip(r)
}

func (t *Transport) headerName() string {
	if t.Header != "" {
		return t.Header
	}
	return "Authorization"
}

func (t *Transport) headerValue(cred *domain.Credential) string {
	scheme := t.Scheme
	switch {
	case scheme == "-":
		return cred.AccessToken
	case scheme == "" && cred.TokenType != "":
		scheme = cred.TokenType
	case scheme == "":
		scheme = "Bearer"
	}
	return scheme + " " + cred.AccessToken
}

// TokenSource adapts an AuthProvider to oauth2.TokenSource for vendor SDKs
// that manage their own HTTP clients.
func TokenSource(ctx context.Context, p driven.AuthProvider) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, provider: p}
}

type tokenSource struct {
	ctx      context.Context
	provider driven.AuthProvider
}

// Token implements oauth2.TokenSource.
func (s *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.provider.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   cred.TokenType,
		Expiry:      cred.Expiry,
	}, nil
}
