// Package github implements a source adapter for the GitHub events API.
//
// The adapter polls the public events feed of an organisation or of a
// single repository. The feed is newest-first, holds at most 300 events
// and at most 90 days, so every fetch walks it from the top until it
// reaches an event already seen. Records are therefore unordered and the
// worker sorts them before forwarding.
//
// # Position
//
// The cursor is an opaque token, JSON encoded:
//
//	{"v":1,"last_id":41872346123,"since":"2026-05-01T12:00:00Z"}
//
// last_id is the highest event id forwarded. since is the creation time of
// that event; before the first event has been seen it bounds how far back
// a new stream reads.
//
// # Authentication
//
// Credentials are attached by the stream's HTTP transport: a personal
// access token (static) or an OAuth App token. Both give 5,000 requests an
// hour. A 401 triggers one credential refresh; a second 401, or a 403 that
// is not a rate limit, stops the stream.
//
// # Rate limits
//
// The adapter waits on the kind's limiter before every call. A primary
// rate limit (403/429 with X-RateLimit-Remaining: 0) or a secondary one
// (Retry-After) backs the limiter off until the reset time. When fewer
// than MinBuffer requests remain the limiter is held until the reset
// proactively. The feed's X-Poll-Interval is returned as the wait hint.
//
// # Configuration
//
// adapter_config accepts:
//
//   - org: organisation whose events to read, or
//   - owner and repo: a single repository.
//   - base_url: API root for GitHub Enterprise Server
//     (https://ghe.example.com/api/v3/). Default: api.github.com.
//   - per_page: page size, at most 100. Default: 100.
//   - max_pages: pages read per fetch. Default: 3, the depth of the feed.
//   - start: "earliest" reads the feed's backlog on first run, "latest"
//     only events created after the stream starts. Default: earliest.
package github
