package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Ensure OAuthProvider implements the AuthProvider interface.
var _ driven.AuthProvider = (*OAuthProvider)(nil)

// defaultTokenTimeout bounds a single token endpoint exchange.
const defaultTokenTimeout = 30 * time.Second

// OAuthProvider provides OAuth2 access tokens with automatic refresh.
// It supports the client-credentials grant and the refresh-token grant.
type OAuthProvider struct {
	set    domain.CredentialSet
	client *http.Client
	now    func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	cached       *domain.Credential
	refreshToken string
}

// NewOAuthProvider creates a provider for a client_credentials or
// refresh_token credential set.
func NewOAuthProvider(set domain.CredentialSet, opts ...Option) (*OAuthProvider, error) {
	switch set.Method {
	case domain.AuthMethodClientCredentials, domain.AuthMethodRefreshToken:
	default:
		return nil, fmt.Errorf("%w: auth method %q is not an OAuth grant", domain.ErrInvalidInput, set.Method)
	}
	if set.TokenURL == "" {
		return nil, fmt.Errorf("%w: credential set %q has no token_url", domain.ErrInvalidInput, set.Name)
	}
	if set.RefreshLead <= 0 {
		set.RefreshLead = domain.DefaultRefreshLead
	}

	o := applyOptions(opts)
	return &OAuthProvider{
		set:          set,
		client:       o.client,
		now:          o.now,
		logger:       o.logger.With(zap.String("auth", set.Name), zap.String("method", string(set.Method))),
		refreshToken: set.RefreshToken,
	}, nil
}

// Name returns the credential set name.
func (p *OAuthProvider) Name() string {
	return p.set.Name
}

// Method returns the configured grant.
func (p *OAuthProvider) Method() domain.AuthMethod {
	return p.set.Method
}

// Token returns a valid access token, refreshing if it expires within the
// refresh lead. Concurrent callers wait for a single refresh.
func (p *OAuthProvider) Token(ctx context.Context) (*domain.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cached.NeedsRefresh(p.now(), p.set.RefreshLead) {
		c := *p.cached
		return &c, nil
	}
	return p.refreshLocked(ctx)
}

// Refresh forces a token exchange regardless of the cached expiry.
func (p *OAuthProvider) Refresh(ctx context.Context) (*domain.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

// Invalidate clears the cached token.
func (p *OAuthProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *OAuthProvider) refreshLocked(ctx context.Context) (*domain.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTokenTimeout)
	defer cancel()
	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	tok, err := p.exchange(ctx)
	if err != nil {
		p.cached = nil
		return nil, classifyTokenError(err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != p.refreshToken {
		p.refreshToken = tok.RefreshToken
		p.logger.Debug("refresh token rotated")
	}

	cred := &domain.Credential{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
	}
	p.cached = cred
	p.logger.Debug("access token refreshed", zap.Time("expiry", cred.Expiry))

	c := *cred
	return &c, nil
}

func (p *OAuthProvider) exchange(ctx context.Context) (*oauth2.Token, error) {
	if p.set.Method == domain.AuthMethodClientCredentials {
		cfg := &clientcredentials.Config{
			ClientID:       p.set.ClientID,
			ClientSecret:   p.set.ClientSecret,
			TokenURL:       p.set.TokenURL,
			Scopes:         p.set.Scopes,
			EndpointParams: endpointParams(p.set.EndpointParams),
		}
		return cfg.Token(ctx)
	}

	cfg := &oauth2.Config{
		ClientID:     p.set.ClientID,
		ClientSecret: p.set.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.set.TokenURL},
		Scopes:       p.set.Scopes,
	}
	// A token with no access token forces the source to exchange.
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.refreshToken}).Token()
}

func endpointParams(m map[string]string) url.Values {
	if len(m) == 0 {
		return nil
	}
	v := make(url.Values, len(m))
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

// classifyTokenError maps a token endpoint failure to an error kind.
// Outages are transient; a rejected grant is fatal.
func classifyTokenError(err error) error {
	const op = "token exchange"

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return domain.Transient(op, err)
	}

	code := re.Response.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return domain.RateLimited(op, retryAfter(re.Response.Header), err)
	case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return domain.Transient(op, err)
	default:
		return domain.FatalAuth(op, fmt.Errorf("%w: %w", domain.ErrTokenRefreshFailed, err))
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
