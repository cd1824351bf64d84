package middleware

import (
	"net/http"

	"github.com/forgecode/forge/internal/core"
)

// KeyFunc derives the rate-limit bucket key for a request (e.g. remote
// IP for the global limit, {agentId} for the per-agent limit).
type KeyFunc func(r *http.Request) string

// RateLimit enforces cfg against store keyed by keyFn(r), responding
// 429 with core.MsgRateLimitError's HTTP analogue when the bucket is
// exhausted.
func RateLimit(store core.RateLimitStore, cfg core.RateLimitConfig, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := store.Increment(r.Context(), keyFn(r), cfg)
			if err != nil {
				// Store fails open internally; an error here
				// means something unexpected, so fail open here too.
				next.ServeHTTP(w, r)
				return
			}
			if !result.Success {
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
