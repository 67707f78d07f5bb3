package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warden.dev/internal/security"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterPerIP(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := l.Middleware(okHandler())

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := call("192.0.2.1"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := call("192.0.2.1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if rr := call("192.0.2.2"); rr.Code != http.StatusOK {
		t.Fatalf("other clients must have their own bucket, got %d", rr.Code)
	}

	now = now.Add(time.Second)
	if rr := call("192.0.2.1"); rr.Code != http.StatusOK {
		t.Fatalf("bucket should refill, got %d", rr.Code)
	}
}

func TestRateLimiterIgnoresSpoofedForwardingHeaders(t *testing.T) {
	ips, err := security.NewClientIPResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("NewClientIPResolver: %v", err)
	}
	l := NewRateLimiter(1, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	h := ips.Middleware(l.Middleware(okHandler()))

	call := func(remote, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := call("198.51.100.7:1", "203.0.113.1"); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	if code := call("198.51.100.7:1", "203.0.113.2"); code != http.StatusTooManyRequests {
		t.Fatalf("a direct client must not escape its bucket by rotating X-Forwarded-For, got %d", code)
	}

	// behind a trusted proxy each forwarded client has its own bucket
	if code := call("10.0.0.1:1", "203.0.113.3"); code != http.StatusOK {
		t.Fatalf("forwarded client: expected 200, got %d", code)
	}
	if code := call("10.0.0.1:1", "203.0.113.4"); code != http.StatusOK {
		t.Fatalf("second forwarded client: expected 200, got %d", code)
	}
	if code := call("10.0.0.1:1", "203.0.113.3"); code != http.StatusTooManyRequests {
		t.Fatalf("forwarded client over budget: expected 429, got %d", code)
	}
}

func TestRateLimiterDropsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.allow("a")
	l.allow("b")

	now = now.Add(10 * time.Minute)
	l.allow("c")
	if len(l.buckets) != 1 {
		t.Fatalf("expected idle buckets to be dropped, have %d", len(l.buckets))
	}
}

func TestMaxBodyBytes(t *testing.T) {
	var readErr error
	h := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil {
		t.Fatalf("expected oversized body to fail")
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("missing %s", h)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"name":"editor","priority":5}`, true},
		{"missing name", `{"priority":5}`, false},
		{"unknown field", `{"name":"editor","extra":1}`, false},
		{"trailing data", `{"name":"editor"}{}`, false},
		{"out of range", `{"name":"editor","priority":5000}`, false},
		{"malformed", `{"name":`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst createRoleRequest
			err := decodeJSON(req, &dst)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNormalizeOrigins(t *testing.T) {
	got := normalizeOrigins([]string{" https://a.example ", "", "https://b.example"})
	if len(got) != 2 || got[0] != "https://a.example" {
		t.Fatalf("unexpected origins: %v", got)
	}
}
