package github

import (
	"errors"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"

	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// classify maps a go-github error to an error kind. Rate limits also back
// the kind's limiter off so every GitHub stream pauses together.
func classify(op string, err error, limiter driven.RateLimiter, now time.Time) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		wait := rateErr.Rate.Reset.Sub(now)
		if wait < 0 {
			wait = 0
		}
		backoff(limiter, wait)
		return domain.RateLimited(op, wait, err)
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		backoff(limiter, wait)
		return domain.RateLimited(op, wait, err)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return domain.AuthRejected(op, err)
		case code == http.StatusTooManyRequests:
			wait := vendorhttp.RetryAfter(respErr.Response.Header, now)
			backoff(limiter, wait)
			return domain.RateLimited(op, wait, err)
		case code == http.StatusForbidden:
			return domain.FatalAuth(op, errors.Join(domain.ErrAuthInvalid, err))
		case code == http.StatusRequestTimeout || code >= 500:
			return domain.Transient(op, err)
		default:
			// 404 and 422: the org or repo does not exist or is not visible.
			return domain.FatalConfig(op, err)
		}
	}

	// Credential failures raised by the auth transport keep their kind.
	if domain.KindOf(err) != domain.KindTransient {
		return err
	}
	return domain.Transient(op, err)
}

func backoff(limiter driven.RateLimiter, d time.Duration) {
	if limiter != nil {
		limiter.Backoff(d)
	}
}
