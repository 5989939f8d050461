package shield_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/telemd/shield"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := shield.SecurityHeaders(shield.DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); got == "" {
		t.Error("Content-Security-Policy not set")
	}
}

func TestHeadToGet(t *testing.T) {
	var seen string
	h := shield.HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Method
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	if seen != http.MethodGet {
		t.Errorf("method seen = %q, want GET", seen)
	}
}

func TestMaxBody(t *testing.T) {
	h := shield.MaxBody(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, err := r.Body.Read(buf)
		if _, ok := err.(*http.MaxBytesError); !ok {
			t.Errorf("read error = %v, want MaxBytesError", err)
		}
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRateLimiterBlocks(t *testing.T) {
	rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
		"POST /v2/collector": {MaxRequests: 2, WindowSeconds: 60},
	})
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v2/collector", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v2/collector", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}

	// Another IP is not affected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v2/collector", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", rec.Code)
	}
}

func TestRateLimiterUnknownEndpointAllowed(t *testing.T) {
	rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
		"POST /v2/collector": {MaxRequests: 1, WindowSeconds: 60},
	})
	h := rl.Middleware(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/records", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	if got := shield.ExtractIP(req); got != "192.168.1.1" {
		t.Errorf("ExtractIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := shield.ExtractIP(req); got != "203.0.113.7" {
		t.Errorf("ExtractIP with XFF = %q", got)
	}
}

func TestTraceIDHeader(t *testing.T) {
	h := shield.TraceID(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := rec.Header().Get("X-Trace-ID"); len(got) != 8 {
		t.Errorf("X-Trace-ID = %q, want 8 hex chars", got)
	}
}
