package vendorhttp

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rate limit headers.
const (
	HeaderRetryAfter    = "Retry-After"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
	HeaderLink          = "Link"
)

// linkRegex matches Link header entries: <url>; rel="type".
var linkRegex = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// RetryAfter parses Retry-After as seconds or an HTTP date. It returns 0
// when the header is absent or in the past.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// QuotaExhausted reports whether X-RateLimit-Remaining is zero.
func QuotaExhausted(h http.Header) bool {
	return strings.TrimSpace(h.Get(HeaderRateRemaining)) == "0"
}

// ResetAfter returns the time until X-RateLimit-Reset (unix seconds),
// falling back to Retry-After.
func ResetAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get(HeaderRateReset)); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return RetryAfter(h, now)
}

// NextLink returns the rel="next" URL of a Link header, or "".
func NextLink(h http.Header) string {
	for _, value := range h.Values(HeaderLink) {
		for _, part := range strings.Split(value, ",") {
			matches := linkRegex.FindStringSubmatch(strings.TrimSpace(part))
			if len(matches) == 3 && matches[2] == "next" {
				return matches[1]
			}
		}
	}
	return ""
}
