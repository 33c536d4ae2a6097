// Package headers parses rate-limit information from remote API
// response headers.
package headers

import (
	"net/http"
	"strconv"
	"time"
)

// RateLimit is the remote API's throttling snapshot for one response.
type RateLimit struct {
	// Limit is the request budget of the current window, 0 if absent.
	Limit int64
	// Remaining is what is left of the budget, 0 if absent.
	Remaining int64
	// RetryAfter is how long the remote asked us to back off, 0 if it
	// did not.
	RetryAfter time.Duration
	// Present is true when the response carried any rate-limit header.
	Present bool
}

// Low reports whether less than a tenth of the window budget remains.
func (r RateLimit) Low() bool {
	return r.Present && r.Limit > 0 && r.Remaining*10 <= r.Limit
}

// ParseRateLimit extracts the rate-limit headers from a response. Both
// the X-RateLimit and the older X-Rate-Limit spellings are accepted.
func ParseRateLimit(h http.Header) RateLimit {
	var rl RateLimit

	if v := firstHeader(h, "X-RateLimit-Limit", "X-Rate-Limit-Limit"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			rl.Limit = parsed
			rl.Present = true
		}
	}
	if v := firstHeader(h, "X-RateLimit-Remaining", "X-Rate-Limit-Remaining"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			rl.Remaining = parsed
			rl.Present = true
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		rl.Present = true
		if seconds, err := strconv.ParseInt(v, 10, 64); err == nil && seconds >= 0 {
			rl.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			if wait := time.Until(at); wait > 0 {
				rl.RetryAfter = wait
			}
		}
	}
	return rl
}

func firstHeader(h http.Header, names ...string) string {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
