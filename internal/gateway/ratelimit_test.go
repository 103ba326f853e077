package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-company/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(rpm, burst int) (*RateLimitMiddleware, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, BurstSize: burst}, nil)
	rl.now = clock.now
	return rl, clock
}

func hit(h http.Handler, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	rl, _ := newTestLimiter(60, 3)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		if rec := hit(h, "k"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(h, "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	rl, clock := newTestLimiter(60, 1)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if rec := hit(h, "k"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := hit(h, "k"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before refill, got %d", rec.Code)
	}
	clock.t = clock.t.Add(1100 * time.Millisecond)
	if rec := hit(h, "k"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	hit(h, "a")
	if rec := hit(h, "a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key a: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "b"); rec.Code != http.StatusOK {
		t.Fatalf("key b: expected 200, got %d", rec.Code)
	}
	// No key falls back to the client IP bucket.
	if rec := hit(h, ""); rec.Code != http.StatusOK {
		t.Fatalf("ip bucket: expected 200, got %d", rec.Code)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	rl, _ := newTestLimiter(60, 1)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz %d: got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, clock := newTestLimiter(60, 5)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hit(h, "old")
	clock.t = clock.t.Add(10 * time.Minute)
	hit(h, "fresh")

	if n := rl.EvictStale(5 * time.Minute); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket left, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, BurstSize: 1}, nil)
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 5; i++ {
		if rec := hit(h, "k"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
}
