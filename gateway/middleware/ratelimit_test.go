package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("orders")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutesAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RequestsPerMinute: 1, Burst: 1},
		"quotes": {RequestsPerMinute: 1, Burst: 1},
	}, nil)

	if !limiter.Allow("orders", "10.0.0.1") {
		t.Fatalf("first orders request should pass")
	}
	if !limiter.Allow("quotes", "10.0.0.1") {
		t.Fatalf("quotes bucket must be independent of orders")
	}
	if !limiter.Allow("orders", "10.0.0.2") {
		t.Fatalf("second client must have its own bucket")
	}
	if limiter.Allow("orders", "10.0.0.1") {
		t.Fatalf("expected orders bucket for 10.0.0.1 to be exhausted")
	}
	if !limiter.Allow("unlimited", "10.0.0.1") {
		t.Fatalf("unconfigured keys are unrestricted")
	}
}

func TestClientIDPrefersProxyHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	if got := ClientID(req); got != "192.0.2.1" {
		t.Fatalf("remote addr client = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientID(req); got != "203.0.113.9" {
		t.Fatalf("forwarded client = %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := ClientID(req); got != "198.51.100.7" {
		t.Fatalf("real ip client = %q", got)
	}
}
