package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/SergiuNegara/lmml/pkg/httpx"
)

// Middleware rejects requests over limit per key with 429 and Retry-After.
// A nil limiter or non-positive limit disables it. onLimited, when set, is
// called once per rejected request.
func Middleware(l Limiter, limit int, key func(*http.Request) string, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			if onLimited != nil {
				onLimited()
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter(time.Now()))))
			httpx.Error(w, http.StatusTooManyRequests, "rate-limited")
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
