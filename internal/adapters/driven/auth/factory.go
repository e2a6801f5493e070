package auth

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Option configures providers built by this package.
type Option func(*options)

type options struct {
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

// WithHTTPClient sets the client used to reach token endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewProvider creates the AuthProvider for a credential set.
func NewProvider(set domain.CredentialSet, opts ...Option) (driven.AuthProvider, error) {
	switch set.Method {
	case domain.AuthMethodNone, "":
		return NewNullProvider(set.Name), nil
	case domain.AuthMethodStatic:
		if set.Token == "" {
			return nil, fmt.Errorf("%w: credential set %q has no token", domain.ErrInvalidInput, set.Name)
		}
		return NewStaticProvider(set.Name, set.Token), nil
	case domain.AuthMethodClientCredentials, domain.AuthMethodRefreshToken:
		return NewOAuthProvider(set, opts...)
	default:
		return nil, fmt.Errorf("%w: auth method %q", domain.ErrUnsupportedType, set.Method)
	}
}

// Registry holds one provider per credential set.
type Registry struct {
	providers map[string]driven.AuthProvider
	sets      map[string]domain.CredentialSet
}

// NewRegistry builds a provider for every credential set.
func NewRegistry(sets []domain.CredentialSet, opts ...Option) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]driven.AuthProvider, len(sets)),
		sets:      make(map[string]domain.CredentialSet, len(sets)),
	}
	for _, set := range sets {
		if _, dup := r.providers[set.Name]; dup {
			return nil, fmt.Errorf("credential set %q: %w", set.Name, domain.ErrAlreadyExists)
		}
		p, err := NewProvider(set, opts...)
		if err != nil {
			return nil, fmt.Errorf("credential set %q: %w", set.Name, err)
		}
		r.providers[set.Name] = p
		r.sets[set.Name] = set
	}
	return r, nil
}

// Get returns the provider for a credential set.
// An empty name returns nil: the stream sends no credentials.
func (r *Registry) Get(name string) (driven.AuthProvider, error) {
	if name == "" {
		return nil, nil
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("credential set %q: %w", name, domain.ErrNotFound)
	}
	return p, nil
}

// Set returns the configuration of a credential set.
func (r *Registry) Set(name string) (domain.CredentialSet, error) {
	s, ok := r.sets[name]
	if !ok {
		return domain.CredentialSet{}, fmt.Errorf("credential set %q: %w", name, domain.ErrNotFound)
	}
	return s, nil
}

// All returns every provider, for supervisor maintenance.
func (r *Registry) All() []driven.AuthProvider {
	out := make([]driven.AuthProvider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}
