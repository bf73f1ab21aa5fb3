package middleware

import (
	"net/http"
	"os"
	"strings"
	"sync"
)

// SecurityConfig holds security header configuration
type SecurityConfig struct {
	Enabled                 bool
	XFrameOptions           string
	XContentTypeOptions     string
	ContentSecurityPolicy   string
	ReferrerPolicy          string
	StrictTransportSecurity string
	CacheControl            string

	// EmbeddablePaths are path prefixes served into frames on publisher
	// pages. They get no X-Frame-Options or Content-Security-Policy.
	EmbeddablePaths []string
}

// DefaultSecurityConfig returns default security configuration
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		Enabled:                 os.Getenv("HTB_SECURITY_HEADERS") != "false",
		XFrameOptions:           "DENY",
		XContentTypeOptions:     "nosniff",
		ContentSecurityPolicy:   "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:          "strict-origin-when-cross-origin",
		StrictTransportSecurity: envOrDefault("HTB_HSTS", ""),
		CacheControl:            "no-store",
		EmbeddablePaths:         []string{"/frames/", "/ads/"},
	}
}

// Security sets security headers on every response
type Security struct {
	config *SecurityConfig
	mu     sync.RWMutex
}

// NewSecurity creates the middleware; nil selects the defaults
func NewSecurity(config *SecurityConfig) *Security {
	if config == nil {
		config = DefaultSecurityConfig()
	}
	return &Security{config: config}
}

// Middleware sets the configured headers. Empty values are skipped and
// /metrics keeps its cache headers.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		cfg := *s.config
		s.mu.RUnlock()

		if cfg.Enabled {
			h := w.Header()
			embeddable := false
			for _, prefix := range cfg.EmbeddablePaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					embeddable = true
					break
				}
			}
			if !embeddable {
				setIfNotEmpty(h, "X-Frame-Options", cfg.XFrameOptions)
				setIfNotEmpty(h, "Content-Security-Policy", cfg.ContentSecurityPolicy)
			}
			setIfNotEmpty(h, "X-Content-Type-Options", cfg.XContentTypeOptions)
			setIfNotEmpty(h, "Referrer-Policy", cfg.ReferrerPolicy)
			setIfNotEmpty(h, "Strict-Transport-Security", cfg.StrictTransportSecurity)
			if r.URL.Path != "/metrics" {
				setIfNotEmpty(h, "Cache-Control", cfg.CacheControl)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// SetEnabled enables or disables the headers
func (s *Security) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Enabled = enabled
}

// GetConfig returns a copy of the current configuration
func (s *Security) GetConfig() SecurityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.config
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
