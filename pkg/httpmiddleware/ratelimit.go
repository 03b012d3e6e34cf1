package httpmiddleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures a token bucket per client.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second.
	Rate float64
	// Burst is the bucket size.
	Burst int
	// Clients bounds the number of tracked buckets; the least recently seen
	// client is forgotten first. Defaults to 10000.
	Clients int
	// KeyFunc identifies the client. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
}

// RateLimit rejects requests beyond the client's bucket with 429 and a
// Retry-After header.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Clients <= 0 {
		cfg.Clients = 10000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	// Only fails for a non-positive size.
	buckets, _ := lru.New[string, *rate.Limiter](cfg.Clients)
	var mu sync.Mutex

	limiter := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := buckets.Get(key)
		if !ok {
			l = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
			buckets.Add(key, l)
		}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := limiter(cfg.KeyFunc(r))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))

			res := l.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(int(l.Tokens()), 0)))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For address, X-Real-IP, or the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
