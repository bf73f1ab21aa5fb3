package render

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/pkg/redis"
)

type recordingNotifier struct {
	mu   sync.Mutex
	urls []string
}

func (n *recordingNotifier) FireAsync(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
}

func (n *recordingNotifier) fired() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}

func testDescriptor() Descriptor {
	return Descriptor{
		SessionID: "sess",
		PartnerID: "PubmaticHtb",
		RequestID: "req-1",
		Adm:       "<div>ad</div>",
		Size:      parcel.Size{W: 300, H: 250},
		Price:     "200",
		WinURL:    "https://t.example/win",
	}
}

func storesUnderTest(t *testing.T) map[string]CreativeStore {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := redis.New("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return map[string]CreativeStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client),
	}
}

func TestRegisterAndRender(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			notifier := &recordingNotifier{}
			svc := NewService(store, notifier, time.Minute)
			var results []string
			svc.OnRender = func(r string) { results = append(results, r) }
			ctx := context.Background()

			adID, err := svc.RegisterCreative(ctx, testDescriptor())
			require.NoError(t, err)
			assert.NotEmpty(t, adID)

			d, err := svc.Render(ctx, adID)
			require.NoError(t, err)
			assert.Equal(t, "<div>ad</div>", d.Adm)
			assert.Equal(t, parcel.Size{W: 300, H: 250}, d.Size)

			_, err = svc.Render(ctx, adID)
			require.NoError(t, err)

			assert.Equal(t, []string{"https://t.example/win"}, notifier.fired())
			assert.Equal(t, []string{"ok", "ok"}, results)
		})
	}
}

func TestRenderUnknownAd(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			svc := NewService(store, nil, 0)
			_, err := svc.Render(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrAdNotFound)
		})
	}
}

func TestRenderExpiredAd(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, time.Hour)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	store.now = svc.now

	d := testDescriptor()
	d.TimeOfExpiry = now.Add(10 * time.Minute).UnixMilli()
	adID, err := svc.RegisterCreative(context.Background(), d)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	_, err = svc.Render(context.Background(), adID)
	require.NoError(t, err)

	// the store ttl is clamped to the expiry
	now = now.Add(6 * time.Minute)
	_, err = svc.Render(context.Background(), adID)
	assert.ErrorIs(t, err, ErrAdNotFound)

	d.TimeOfExpiry = now.Add(-time.Second).UnixMilli()
	require.NoError(t, store.Put(context.Background(), "stale", d, time.Hour))
	_, err = svc.Render(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrAdExpired)
}

func TestDescriptorExpired(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	assert.False(t, Descriptor{}.Expired(now))
	assert.False(t, Descriptor{TimeOfExpiry: 1_000_000}.Expired(now))
	assert.True(t, Descriptor{TimeOfExpiry: 999_999}.Expired(now))
}

func TestRedisStoreTTLFollowsExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client, err := redis.New("redis://" + mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	svc := NewService(NewRedisStore(client), nil, time.Hour)
	d := testDescriptor()
	d.TimeOfExpiry = time.Now().Add(2 * time.Minute).UnixMilli()

	adID, err := svc.RegisterCreative(context.Background(), d)
	require.NoError(t, err)

	ttl := mr.TTL(creativeKeyPrefix + adID)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 2*time.Minute)
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Put(context.Background(), "a", Descriptor{}, time.Second))
	require.NoError(t, store.Put(context.Background(), "b", Descriptor{}, time.Hour))

	now = now.Add(time.Minute)
	assert.Equal(t, 1, store.Sweep())

	_, ok, err := store.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, ok)
}
