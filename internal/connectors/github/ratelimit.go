package github

import (
	"strconv"
	"time"

	gh "github.com/google/go-github/v80/github"

	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

const (
	// MinBuffer is the number of requests kept in reserve. Below it the
	// limiter is held until the quota resets.
	MinBuffer = 100

	// HeaderPollInterval is the events feed's requested polling period.
	HeaderPollInterval = "X-Poll-Interval"
)

// reserve backs the limiter off until the reset when the remaining quota
// drops below MinBuffer.
func reserve(limiter driven.RateLimiter, rate gh.Rate, now time.Time) {
	if limiter == nil || rate.Limit == 0 || rate.Remaining >= MinBuffer {
		return
	}
	if wait := rate.Reset.Sub(now); wait > 0 {
		limiter.Backoff(wait)
	}
}

// pollInterval reads X-Poll-Interval.
func pollInterval(resp *gh.Response) time.Duration {
	if resp == nil || resp.Response == nil {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get(HeaderPollInterval))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
