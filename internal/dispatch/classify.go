package dispatch

import (
	"strconv"
	"strings"
	"time"
)

// Operation is the caller-supplied producer of a Response. It is opaque to
// the dispatcher: no URL, auth, or payload inspection happens here, only
// the Response's Status and selected headers (see isRateLimited).
type Operation func() (*Response, error)

// isRateLimited reports whether a response signals throttling: status==429,
// a parseable non-negative Retry-After (or its X-RateLimit-Reset-After
// alias), X-RateLimit-Remaining=="0", or the presence of
// X-Secondary-Rate-Limit with any value, in order of precedence checked.
// It also returns the retry-after hint when one was present and parsed, for
// use by the backoff calculation's baseline = max(exp, hint).
func isRateLimited(resp *Response) (limited bool, hint *time.Duration) {
	if resp.Status == 429 {
		limited = true
	}

	if raw, ok := firstHeader(resp, "Retry-After", "X-RateLimit-Reset-After"); ok {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && secs >= 0 {
			d := time.Duration(secs * float64(time.Second))
			hint = &d
			limited = true
		}
		// Parse failure means no hint; it does not by itself trigger
		// classification.
	}

	if v, ok := resp.HeaderValue("X-RateLimit-Remaining"); ok && v == "0" {
		limited = true
	}

	if _, ok := resp.HeaderValue("X-Secondary-Rate-Limit"); ok {
		limited = true
	}

	return limited, hint
}

func firstHeader(resp *Response, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := resp.HeaderValue(n); ok {
			return v, true
		}
	}
	return "", false
}
