package middleware

import (
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultRateLimitClients bounds how many client buckets are tracked at once.
const DefaultRateLimitClients = 10000

// RateLimitConfig configures per-client token buckets. Clients are keyed by
// remote IP.
type RateLimitConfig struct {
	Enabled    bool
	RPS        float64
	Burst      int
	MaxClients int
}

type clientLimiters struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

// allow takes a token from the bucket of key. A client evicted from the
// cache starts again with a full bucket.
func (c *clientLimiters) allow(key string) bool {
	c.mu.Lock()
	limiter, ok := c.buckets.Get(key)
	if !ok {
		limiter = rate.NewLimiter(c.rps, c.burst)
		c.buckets.Add(key, limiter)
	}
	c.mu.Unlock()
	return limiter.Allow()
}

// RateLimitMiddleware rejects a client's requests with 429 once its bucket
// is empty. The body is a GraphQL error response.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.RPS <= 0 || cfg.Burst <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	size := cfg.MaxClients
	if size <= 0 {
		size = DefaultRateLimitClients
	}
	buckets, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	limiters := &clientLimiters{buckets: buckets, rps: rate.Limit(cfg.RPS), burst: cfg.Burst}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiters.allow(clientKey(r)) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errors":[{"message":"rate limit exceeded"}]}`))
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
