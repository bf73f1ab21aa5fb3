// Package render stores winning creatives and serves them by ad id
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

var (
	// ErrAdNotFound is returned for unknown ad ids
	ErrAdNotFound = errors.New("render: ad not found")
	// ErrAdExpired is returned when an ad's demand has expired
	ErrAdExpired = errors.New("render: ad expired")
)

// DefaultTTL is how long creatives without an expiry are kept
const DefaultTTL = 30 * time.Minute

// Descriptor is everything needed to render a winning creative later
type Descriptor struct {
	SessionID string      `json:"sessionId"`
	PartnerID string      `json:"partnerId"`
	RequestID string      `json:"requestId"`
	Adm       string      `json:"adm"`
	Size      parcel.Size `json:"size"`
	// Price is the targeting price tier, when known
	Price  string `json:"price,omitempty"`
	DealID string `json:"dealId,omitempty"`
	// TimeOfExpiry is a unix millisecond timestamp; 0 means no expiry
	TimeOfExpiry int64 `json:"timeOfExpiry"`
	// WinURL is fired once, on first render
	WinURL string `json:"winUrl,omitempty"`
}

// Expired reports whether the descriptor's demand has expired at now
func (d Descriptor) Expired(now time.Time) bool {
	return d.TimeOfExpiry > 0 && now.UnixMilli() > d.TimeOfExpiry
}

// CreativeStore persists descriptors by ad id
type CreativeStore interface {
	Put(ctx context.Context, adID string, d Descriptor, ttl time.Duration) error
	Get(ctx context.Context, adID string) (Descriptor, bool, error)
	// MarkRendered reports true only for the first call per ad id
	MarkRendered(ctx context.Context, adID string, ttl time.Duration) (bool, error)
}

// WinNotifier fires a win notification
type WinNotifier interface {
	FireAsync(url string)
}

// Service registers creatives and renders them
type Service struct {
	store    CreativeStore
	notifier WinNotifier
	ttl      time.Duration
	now      func() time.Time

	// OnRender observes each render attempt by result
	OnRender func(result string)
}

// NewService creates a render service. notifier may be nil.
func NewService(store CreativeStore, notifier WinNotifier, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, notifier: notifier, ttl: ttl, now: time.Now}
}

// RegisterCreative stores d and returns its new ad id
func (s *Service) RegisterCreative(ctx context.Context, d Descriptor) (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate ad id: %w", err)
	}
	adID := u.String()

	ttl := s.ttl
	if d.TimeOfExpiry > 0 {
		until := time.UnixMilli(d.TimeOfExpiry).Sub(s.now())
		if until <= 0 {
			until = time.Second
		}
		if until < ttl {
			ttl = until
		}
	}

	if err := s.store.Put(ctx, adID, d, ttl); err != nil {
		return "", fmt.Errorf("failed to store creative: %w", err)
	}
	return adID, nil
}

// Render returns the descriptor for adID. The first successful render
// fires the win notification.
func (s *Service) Render(ctx context.Context, adID string) (Descriptor, error) {
	d, ok, err := s.store.Get(ctx, adID)
	if err != nil {
		s.observe("error")
		return Descriptor{}, err
	}
	if !ok {
		s.observe("not_found")
		return Descriptor{}, ErrAdNotFound
	}
	if d.Expired(s.now()) {
		s.observe("expired")
		return Descriptor{}, ErrAdExpired
	}

	first, err := s.store.MarkRendered(ctx, adID, s.ttl)
	if err != nil {
		l := logger.Partner(d.PartnerID)
		l.Warn().Err(err).Str("ad_id", adID).Msg("Failed to mark creative rendered")
	}
	if first && d.WinURL != "" && s.notifier != nil {
		s.notifier.FireAsync(d.WinURL)
	}
	s.observe("ok")
	return d, nil
}

func (s *Service) observe(result string) {
	if s.OnRender != nil {
		s.OnRender(result)
	}
}
