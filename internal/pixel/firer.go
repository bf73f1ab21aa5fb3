// Package pixel fires partner win-notification pixels
package pixel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// maxBodySize caps how much of a pixel response is drained
const maxBodySize = 64 * 1024

// DefaultTimeout bounds a single pixel request
const DefaultTimeout = 2 * time.Second

// ErrBlockedDestination is returned when a pixel URL resolves to an
// address that is not publicly routable
var ErrBlockedDestination = errors.New("pixel destination not allowed")

// Ranges IsGlobalUnicast accepts that are still not public
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
}

// PublicAddr reports whether ip is a publicly routable unicast address
func PublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

// guardDial runs after DNS resolution, so address always holds an IP
func guardDial(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !PublicAddr(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedDestination, ip)
	}
	return nil
}

// Firer issues best-effort GET requests to tracking URLs
type Firer struct {
	client  *http.Client
	timeout time.Duration
	// OnResult observes each completed fire; ok is false on any failure
	OnResult func(ok bool)
}

// NewFirer creates a firer with a pooled transport. Tracking URLs come
// from remote content, so it only connects to public addresses.
func NewFirer(timeout time.Duration) *Firer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig: &tls.Config{
			ClientSessionCache: tls.NewLRUClientSessionCache(50),
			MinVersion:         tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   guardDial,
		}).DialContext,
		TLSHandshakeTimeout:   2 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &Firer{
		client:  &http.Client{Timeout: timeout, Transport: transport},
		timeout: timeout,
	}
}

// NewFirerWithClient creates a firer that uses client as is, with no
// destination restrictions
func NewFirerWithClient(client *http.Client, timeout time.Duration) *Firer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Firer{client: client, timeout: timeout}
}

// Fire requests rawURL and discards the response. An empty URL is a no-op.
func (f *Firer) Fire(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return nil
	}
	err := f.fire(ctx, rawURL)
	if f.OnResult != nil {
		f.OnResult(err == nil)
	}
	return err
}

func (f *Firer) fire(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid pixel url: %w", err)
	}
	if u.Scheme == "" {
		// protocol-relative tracking URLs
		u.Scheme = "https"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported pixel url scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	//nolint:errcheck // drain for connection reuse
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pixel returned status %d", resp.StatusCode)
	}
	return nil
}

// FireAsync fires in the background and logs failures
func (f *Firer) FireAsync(rawURL string) {
	if rawURL == "" {
		return
	}
	go func() {
		if err := f.Fire(context.Background(), rawURL); err != nil {
			logger.Log.Debug().Err(err).Str("url", rawURL).Msg("Win pixel failed")
		}
	}()
}
