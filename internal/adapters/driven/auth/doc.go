// Package auth provides credential providers for vendor API access.
//
// One provider exists per configured credential set and is shared by every
// stream that names the set. Providers cache the current credential behind a
// mutex and refresh it ahead of expiry, so the first worker that observes an
// expiring token refreshes it for all of them.
//
// # Providers
//
//   - NullProvider: sends no credentials
//   - StaticProvider: a fixed API token or personal access token
//   - OAuthProvider: OAuth2 client-credentials or refresh-token grant
//
// Transport and TokenSource attach a provider to an http.Client or to SDKs
// that accept an oauth2.TokenSource.
package auth
