package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSizeLimiter_RejectsDeclaredLength(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: true, MaxBodySize: 10, MaxURLLength: 100})
	handler := sl.Middleware(okHandler())

	req := httptest.NewRequest("POST", "/callbacks/PubmaticHtb/_a", strings.NewReader(strings.Repeat("x", 11)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rr.Code)
	}
}

func TestSizeLimiter_CapsUndeclaredBody(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: true, MaxBodySize: 10, MaxURLLength: 100})
	var readErr error
	handler := sl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest("POST", "/x", strings.NewReader(strings.Repeat("x", 50)))
	req.ContentLength = -1
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !IsBodyTooLarge(readErr) {
		t.Errorf("expected body too large error, got %v", readErr)
	}
}

func TestSizeLimiter_URLTooLong(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: true, MaxBodySize: 10, MaxURLLength: 20})
	rr := httptest.NewRecorder()
	sl.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest("GET", "/"+strings.Repeat("a", 30), nil))

	if rr.Code != http.StatusRequestURITooLong {
		t.Errorf("expected 414, got %d", rr.Code)
	}
}

func TestSizeLimiter_Disabled(t *testing.T) {
	sl := NewSizeLimiter(&SizeLimitConfig{Enabled: false, MaxBodySize: 1, MaxURLLength: 1})
	rr := httptest.NewRecorder()
	sl.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest("POST", "/long/path", strings.NewReader("body")))

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestSizeLimiter_Defaults(t *testing.T) {
	t.Setenv("HTB_MAX_BODY_SIZE", "2048")
	cfg := NewSizeLimiter(nil).GetConfig()
	if cfg.MaxBodySize != 2048 {
		t.Errorf("expected 2048, got %d", cfg.MaxBodySize)
	}
	if !cfg.Enabled {
		t.Error("expected size limiting enabled by default")
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2})
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }
	rejected := 0
	rl.OnReject = func() { rejected++ }
	handler := rl.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/demand", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", codes)
	}
	if rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", rejected)
	}

	// tokens refill over time
	now = now.Add(time.Second)
	req := httptest.NewRequest("POST", "/v1/demand", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected refill, got %d", rr.Code)
	}
}

func TestRateLimiter_SessionKeysAreSeparate(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	for _, session := range []string{"a", "b"} {
		req := httptest.NewRequest("POST", "/v1/demand", nil)
		req.Header.Set("X-Session-ID", session)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("session %s: expected 200, got %d", session, rr.Code)
		}
	}
}

func TestRateLimiter_TrustedProxy(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		Enabled:        true,
		TrustedProxies: ParseCIDRs("10.0.0.0/8, 127.0.0.1, bogus"),
	})
	defer rl.Stop()

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
	if got := rl.clientIP(req); got != "203.0.113.9" {
		t.Errorf("expected forwarded client, got %s", got)
	}

	req.RemoteAddr = "198.51.100.1:443"
	if got := rl.clientIP(req); got != "198.51.100.1" {
		t.Errorf("expected peer address for untrusted proxy, got %s", got)
	}

	if n := len(rl.config.TrustedProxies); n != 2 {
		t.Errorf("expected 2 parsed ranges, got %d", n)
	}
}

func TestSecurity_Headers(t *testing.T) {
	sec := NewSecurity(&SecurityConfig{
		Enabled:               true,
		XFrameOptions:         "DENY",
		XContentTypeOptions:   "nosniff",
		ContentSecurityPolicy: "default-src 'none'",
		CacheControl:          "no-store",
		EmbeddablePaths:       []string{"/frames/"},
	})
	handler := sec.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/demand", nil))
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := rr.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("empty HSTS should be skipped, got %q", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/frames/abc", nil))
	if got := rr.Header().Get("X-Frame-Options"); got != "" {
		t.Errorf("frames must be embeddable, got X-Frame-Options %q", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if got := rr.Header().Get("Cache-Control"); got != "" {
		t.Errorf("metrics should keep its cache headers, got %q", got)
	}

	sec.SetEnabled(false)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/demand", nil))
	if got := rr.Header().Get("X-Frame-Options"); got != "" {
		t.Errorf("disabled middleware set X-Frame-Options %q", got)
	}
}

func TestRequestLog_PropagatesRequestID(t *testing.T) {
	logger.Init(logger.Config{Level: "error", Format: "json"})

	var fromCtx string
	handler := RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := r.Context().Value(logger.RequestIDKey).(string); ok {
			fromCtx = id
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
	if fromCtx != "req-42" {
		t.Errorf("expected request id in context, got %q", fromCtx)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}
