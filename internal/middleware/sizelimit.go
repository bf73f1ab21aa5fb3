// Package middleware provides HTTP middleware for the relay server
package middleware

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // Max request body size in bytes
	MaxURLLength int   // Max URL length
}

// DefaultSizeLimitConfig returns default size limit configuration. Callback
// payloads carry creative markup, so the default leaves room for a few
// hundred kilobytes of it.
func DefaultSizeLimitConfig() *SizeLimitConfig {
	maxBody, err := strconv.ParseInt(os.Getenv("HTB_MAX_BODY_SIZE"), 10, 64)
	if err != nil || maxBody <= 0 {
		maxBody = 512 * 1024
	}

	maxURL, err := strconv.Atoi(os.Getenv("HTB_MAX_URL_LENGTH"))
	if err != nil || maxURL <= 0 {
		maxURL = 4096
	}

	return &SizeLimitConfig{
		Enabled:      true,
		MaxBodySize:  maxBody,
		MaxURLLength: maxURL,
	}
}

// SizeLimiter rejects oversized requests
type SizeLimiter struct {
	config *SizeLimitConfig
	mu     sync.RWMutex
}

// NewSizeLimiter creates a new size limiter
func NewSizeLimiter(config *SizeLimitConfig) *SizeLimiter {
	if config == nil {
		config = DefaultSizeLimitConfig()
	}
	return &SizeLimiter{config: config}
}

// Middleware rejects requests whose declared size is over the limit and
// caps the body of the rest. Handlers detect a capped read with
// IsBodyTooLarge.
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sl.mu.RLock()
		cfg := *sl.config
		sl.mu.RUnlock()

		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(r.URL.String()) > cfg.MaxURLLength {
			writeJSONError(w, "URL too long", http.StatusRequestURITooLong)
			return
		}
		if r.ContentLength > cfg.MaxBodySize {
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

// SetMaxBodySize sets the max body size
func (sl *SizeLimiter) SetMaxBodySize(size int64) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.config.MaxBodySize = size
}

// GetConfig returns a copy of the current configuration
func (sl *SizeLimiter) GetConfig() SizeLimitConfig {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return *sl.config
}

// IsBodyTooLarge reports whether err came from reading past the body cap
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // best effort error body
	w.Write([]byte(`{"error":"` + message + `"}`))
}
