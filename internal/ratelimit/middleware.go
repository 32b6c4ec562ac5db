package ratelimit

import (
	"net/http"

	"github.com/signalbeam/edge/internal/apierr"
	"github.com/signalbeam/edge/internal/auth"
)

// Middleware returns HTTP middleware that enforces the limiter against the
// tenant of the authenticated caller. Requests with no identity in context
// (not yet authenticated, or public routes) pass through unlimited.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), id.TenantID.String())
			if err != nil {
				apierr.New(apierr.CodeStorageUnavailable, "rate limiter unavailable").Write(w)
				return
			}
			if !result.Allowed {
				apierr.New(apierr.CodeRateLimitExceeded, "tenant request rate limit exceeded").
					WithRetryAfter(result.RetryAfter).Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
