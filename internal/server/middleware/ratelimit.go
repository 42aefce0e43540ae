package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// LoginGuard limits admin login attempts per client IP to requestsPerMinute.
// It sits in front of the session endpoint and is unrelated to API key
// limits, which are enforced by APIKeyGate.
func LoginGuard(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later",
				map[string]interface{}{"reason": ReasonRateLimited})
		}),
	)
}
