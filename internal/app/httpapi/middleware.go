package httpapi

import (
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimiter bounds the request rate on the routes it wraps. One
// limiter is shared across callers; the ledger serializes operations
// anyway, so fairness per address buys nothing here.
func rateLimiter(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
