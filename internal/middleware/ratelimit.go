package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit limits requests per caller identity. It must run after Identify;
// requests without an identity are keyed by IP.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(identityKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after":60}`))
		}),
	)
}

func identityKey(r *http.Request) (string, error) {
	if id, ok := GetIdentity(r.Context()); ok {
		if id.Anonymous {
			return "anon:" + id.OwnerID, nil
		}
		return "user:" + id.OwnerID, nil
	}
	return httprate.KeyByIP(r)
}
