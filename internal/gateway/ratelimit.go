package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/otel"
)

// TokenBucket is a refilling token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	perSecond  float64
	lastRefill time.Time
	lastSeen   time.Time
	now        func() time.Time
}

func NewTokenBucket(requestsPerMinute, burst int) *TokenBucket {
	return newTokenBucket(requestsPerMinute, burst, time.Now)
}

func newTokenBucket(requestsPerMinute, burst int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(burst),
		max:        float64(burst),
		perSecond:  float64(requestsPerMinute) / 60.0,
		lastRefill: t,
		lastSeen:   t,
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t := tb.now()
	tb.tokens += t.Sub(tb.lastRefill).Seconds() * tb.perSecond
	if tb.tokens > tb.max {
		tb.tokens = tb.max
	}
	tb.lastRefill, tb.lastSeen = t, t
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) LastSeen() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastSeen
}

// RateLimitMiddleware keeps one bucket per API key, or per client IP for
// unauthenticated requests.
type RateLimitMiddleware struct {
	enabled bool
	rpm     int
	burst   int
	metrics *otel.Metrics
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimitMiddleware {
	rpm, burst := cfg.RequestsPerMinute, cfg.BurstSize
	if rpm <= 0 {
		rpm = 120
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		rpm:     rpm,
		burst:   burst,
		metrics: metrics,
		now:     time.Now,
		buckets: make(map[string]*TokenBucket),
	}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			key = clientIP(r)
		}
		if !rl.bucket(key).Allow() {
			rl.metrics.RateLimited(r.Context())
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", map[string]any{"retryable": true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) bucket(key string) *TokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.rpm, rl.burst, rl.now)
		rl.buckets[key] = b
	}
	return b
}

// EvictStale drops buckets idle for longer than maxAge and returns how many
// were removed.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for key, b := range rl.buckets {
		if b.LastSeen().Before(cutoff) {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// StartEviction runs EvictStale every interval until ctx is done.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
