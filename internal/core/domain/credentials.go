package domain

import "time"

// AuthMethod identifies how a credential set obtains access tokens.
type AuthMethod string

// Available authentication methods.
const (
	// AuthMethodNone sends no credentials.
	AuthMethodNone AuthMethod = "none"

	// AuthMethodStatic uses a fixed API token or personal access token.
	AuthMethodStatic AuthMethod = "static"

	// AuthMethodClientCredentials uses the OAuth2 client-credentials grant.
	AuthMethodClientCredentials AuthMethod = "client_credentials"

	// AuthMethodRefreshToken uses the OAuth2 refresh-token grant.
	AuthMethodRefreshToken AuthMethod = "refresh_token"
)

// IsValid returns true if the method is recognised.
func (m AuthMethod) IsValid() bool {
	switch m {
	case AuthMethodNone, AuthMethodStatic, AuthMethodClientCredentials, AuthMethodRefreshToken:
		return true
	default:
		return false
	}
}

// DefaultRefreshLead is how long before expiry a token is refreshed.
const DefaultRefreshLead = 5 * time.Minute

// CredentialSet is a named set of vendor credentials shared by every stream
// that references it. One token cache exists per set per process.
type CredentialSet struct {
	// Name is how streams reference the set.
	Name string `validate:"required"`

	// Method selects the provider implementation.
	Method AuthMethod `validate:"required"`

	// Token is the fixed token for AuthMethodStatic.
	Token string `validate:"required_if=Method static"`

	// Header overrides the header carrying the token (default Authorization).
	Header string

	// Scheme prefixes the token in the header (default Bearer).
	Scheme string

	// TokenURL is the OAuth2 token endpoint.
	TokenURL string `validate:"required_if=Method client_credentials,required_if=Method refresh_token"`

	// ClientID is the OAuth2 client id.
	ClientID string `validate:"required_if=Method client_credentials"`

	// ClientSecret is the OAuth2 client secret.
	ClientSecret string

	// RefreshToken seeds the refresh-token grant.
	RefreshToken string `validate:"required_if=Method refresh_token"`

	// Scopes are the OAuth2 scopes to request.
	Scopes []string

	// EndpointParams are extra form values sent to the token endpoint.
	EndpointParams map[string]string

	// RefreshLead is how long before expiry the token is refreshed.
	RefreshLead time.Duration
}

// Credential is an access token ready to be attached to a request.
type Credential struct {
	// AccessToken is the bearer token for API access.
	AccessToken string

	// TokenType is typically "Bearer".
	TokenType string

	// Expiry is when the access token expires. Zero means it does not.
	Expiry time.Time
}

// NeedsRefresh reports whether the credential expires within lead of now.
func (c *Credential) NeedsRefresh(now time.Time, lead time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Add(lead).Before(c.Expiry)
}
