package middleware

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond int           // Max requests per second per client
	BurstSize         int           // Max burst size
	CleanupInterval   time.Duration // How often idle clients are dropped
	TrustedProxies    []*net.IPNet  // Proxies whose X-Forwarded-For is trusted
}

// DefaultRateLimitConfig reads HTB_RATE_LIMIT_* and TRUSTED_PROXIES
func DefaultRateLimitConfig() *RateLimitConfig {
	rps, err := strconv.Atoi(os.Getenv("HTB_RATE_LIMIT_RPS"))
	if err != nil || rps <= 0 {
		rps = 200
	}
	burst, err := strconv.Atoi(os.Getenv("HTB_RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		burst = rps * 2
	}

	return &RateLimitConfig{
		Enabled:           os.Getenv("HTB_RATE_LIMIT_ENABLED") != "false",
		RequestsPerSecond: rps,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
		TrustedProxies:    ParseCIDRs(os.Getenv("TRUSTED_PROXIES")),
	}
}

// ParseCIDRs parses a comma separated list of CIDR ranges. Bare addresses
// become single-host ranges; invalid entries are skipped.
func ParseCIDRs(list string) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range strings.Split(list, ",") {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		if _, network, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, network)
		}
	}
	return nets
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a per-client token bucket. Clients are keyed by session
// id when the request carries one, else by address.
type RateLimiter struct {
	config   *RateLimitConfig
	mu       sync.Mutex
	clients  map[string]*bucket
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}

	// OnReject observes each rejected request
	OnReject func()
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go rl.cleanup()
	}
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-rl.config.CleanupInterval)
			for key, b := range rl.clients {
				if b.lastCheck.Before(cutoff) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup loop. Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rejects clients over their rate with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		clientID := r.Header.Get("X-Session-ID")
		if clientID == "" {
			clientID = rl.clientIP(r)
		}

		if !rl.allow(clientID) {
			if rl.OnReject != nil {
				rl.OnReject()
			}
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[clientID]
	if !ok {
		rl.clients[clientID] = &bucket{tokens: float64(rl.config.BurstSize - 1), lastCheck: now}
		return true
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * float64(rl.config.RequestsPerSecond)
	if b.tokens > float64(rl.config.BurstSize) {
		b.tokens = float64(rl.config.BurstSize)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// clientIP returns the rightmost untrusted X-Forwarded-For address when the
// peer is a trusted proxy, else the peer address
func (rl *RateLimiter) clientIP(r *http.Request) string {
	remote := extractIP(r.RemoteAddr)
	if !rl.trusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip != "" && !rl.trusted(ip) {
			return ip
		}
	}
	return remote
}

func (rl *RateLimiter) trusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, network := range rl.config.TrustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
