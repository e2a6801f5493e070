package googleworkspace

import (
	"errors"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/custodia-labs/ingestd/internal/connectors/vendorhttp"
	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// Reasons Google gives for a 403 that is really a quota.
var quotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// isQuota reports whether a 403 is a quota rather than a permission error.
func isQuota(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if quotaReasons[item.Reason] {
			return true
		}
	}
	return false
}

// classify maps a Google API error to an error kind.
func classify(op string, err error, limiter driven.RateLimiter, now time.Time) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Credential failures raised by the auth transport keep their kind.
		if domain.KindOf(err) != domain.KindTransient {
			return err
		}
		return domain.Transient(op, err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return domain.AuthRejected(op, err)
	case gerr.Code == http.StatusTooManyRequests,
		gerr.Code == http.StatusForbidden && isQuota(gerr):
		wait := vendorhttp.RetryAfter(gerr.Header, now)
		if limiter != nil {
			limiter.Backoff(wait)
		}
		return domain.RateLimited(op, wait, err)
	case gerr.Code == http.StatusForbidden:
		return domain.FatalAuth(op, errors.Join(domain.ErrAuthInvalid, err))
	case gerr.Code == http.StatusRequestTimeout || gerr.Code >= 500:
		return domain.Transient(op, err)
	default:
		// 400 and 404: unknown application, event name or filter.
		return domain.FatalConfig(op, err)
	}
}
