package backoff

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryAfter extracts the server-requested wait from response headers. It
// understands Retry-After (seconds or HTTP date), X-RateLimit-Retry-After
// (seconds) and X-RateLimit-Reset (unix timestamp). Zero means no hint.
func RetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}

	if val := strings.TrimSpace(h.Get("Retry-After")); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return nonNegative(time.Duration(seconds) * time.Second)
		}
		if t, err := http.ParseTime(val); err == nil {
			return nonNegative(t.Sub(now))
		}
	}

	if val := strings.TrimSpace(h.Get("X-RateLimit-Retry-After")); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return nonNegative(time.Duration(seconds) * time.Second)
		}
	}

	if val := strings.TrimSpace(h.Get("X-RateLimit-Reset")); val != "" {
		if ts, err := strconv.ParseInt(val, 10, 64); err == nil {
			return nonNegative(time.Unix(ts, 0).Sub(now))
		}
	}

	return 0
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// HTTPAware prefers the server's Retry-After hint over its fallback strategy.
// It holds no per-request state and is safe for concurrent use.
type HTTPAware struct {
	Fallback      Strategy
	MaxRetryAfter time.Duration
}

// NewHTTPAware wraps fallback; maxRetryAfter 0 means hints are not capped
func NewHTTPAware(fallback Strategy, maxRetryAfter time.Duration) *HTTPAware {
	if fallback == nil {
		fallback = NewFixed(0)
	}
	return &HTTPAware{
		Fallback:      fallback,
		MaxRetryAfter: maxRetryAfter,
	}
}

// Delay returns the fallback delay
func (h *HTTPAware) Delay(attempt int) time.Duration {
	return h.Fallback.Delay(attempt)
}

// DelayFor returns the hinted delay from headers when present, otherwise the
// fallback delay for attempt
func (h *HTTPAware) DelayFor(attempt int, headers http.Header) time.Duration {
	if hint := RetryAfter(headers, time.Now()); hint > 0 {
		if h.MaxRetryAfter > 0 && hint > h.MaxRetryAfter {
			return h.MaxRetryAfter
		}
		return hint
	}
	return h.Fallback.Delay(attempt)
}

// HeaderAware is a Strategy that can use response headers
type HeaderAware interface {
	Strategy
	DelayFor(attempt int, headers http.Header) time.Duration
}

// DelayFor asks s for the delay, passing headers when s understands them
func DelayFor(s Strategy, attempt int, headers http.Header) time.Duration {
	if ha, ok := s.(HeaderAware); ok {
		return ha.DelayFor(attempt, headers)
	}
	return s.Delay(attempt)
}
