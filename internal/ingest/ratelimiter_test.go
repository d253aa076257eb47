package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 2,
		BurstSize:     1,
		WindowSize:    time.Minute,
	})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, remaining, _ := rl.Allow("10.0.0.1")
	if allowed {
		t.Fatal("request over limit allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	// Other clients are tracked independently
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Fatal("separate client denied")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    20 * time.Millisecond,
	})
	defer rl.Stop()

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("first request denied")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("second request in window allowed")
	}

	time.Sleep(30 * time.Millisecond)

	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Fatal("request after window reset denied")
	}
}

func TestRateLimiterExemptPaths(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig())
	defer rl.Stop()

	if !rl.IsExempt("/health") {
		t.Error("/health should be exempt")
	}
	if rl.IsExempt("/v1/events") {
		t.Error("/v1/events should not be exempt")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
		ExemptPaths:   []string{"/health"},
	})
	defer rl.Stop()

	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
		RateLimitMiddleware(rl),
	)

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:4444"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/v1/events"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec := do("/v1/events")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// Exempt path bypasses the limit
	if rec := do("/health"); rec.Code != http.StatusOK {
		t.Fatalf("exempt path status = %d", rec.Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}),
		RecoveryMiddleware(),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")

	if ip := clientIP(req, false); ip != "10.0.0.1" {
		t.Errorf("untrusted proxy ip = %q, want 10.0.0.1", ip)
	}
	if ip := clientIP(req, true); ip != "203.0.113.9" {
		t.Errorf("trusted proxy ip = %q, want 203.0.113.9", ip)
	}
}
