package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/anonchat/internal/ratelimit"
)

// RateLimitAPI ограничивает запросы к /api/* по адресу клиента скользящим окном.
// При превышении — 429 с заголовком Retry-After.
func RateLimitAPI(max int, window time.Duration) func(http.Handler) http.Handler {
	limiter := ratelimit.New(max, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if ok, wait := limiter.Allow(host); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(ratelimit.Seconds(wait)))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many requests","code":"rate_limited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
