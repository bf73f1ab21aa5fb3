package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/thenexusengine/pubmatic_htb/pkg/redis"
)

// MemoryStore keeps creatives in process memory
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	rendered map[string]time.Time
	now      func() time.Time
}

type memoryItem struct {
	desc      Descriptor
	expiresAt time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]memoryItem),
		rendered: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Put stores d until ttl elapses
func (m *MemoryStore) Put(_ context.Context, adID string, d Descriptor, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[adID] = memoryItem{desc: d, expiresAt: m.now().Add(ttl)}
	return nil
}

// Get returns a live descriptor
func (m *MemoryStore) Get(_ context.Context, adID string) (Descriptor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[adID]
	if !ok {
		return Descriptor{}, false, nil
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, adID)
		delete(m.rendered, adID)
		return Descriptor{}, false, nil
	}
	return item.desc, true, nil
}

// MarkRendered reports whether this is the first render of adID
func (m *MemoryStore) MarkRendered(_ context.Context, adID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.rendered[adID]; ok && m.now().Before(until) {
		return false, nil
	}
	m.rendered[adID] = m.now().Add(ttl)
	return true, nil
}

// Sweep removes expired creatives
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, item := range m.items {
		if now.After(item.expiresAt) {
			delete(m.items, id)
			delete(m.rendered, id)
			removed++
		}
	}
	return removed
}

const (
	creativeKeyPrefix = "htb:creative:"
	renderedKeyPrefix = "htb:rendered:"
)

// RedisStore keeps creatives in Redis as JSON so any instance can render
// an ad registered by another
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store backed by client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Put stores d with an expiry of ttl
func (r *RedisStore) Put(ctx context.Context, adID string, d Descriptor, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal creative: %w", err)
	}
	return r.client.Set(ctx, creativeKeyPrefix+adID, data, ttl)
}

// Get loads a descriptor
func (r *RedisStore) Get(ctx context.Context, adID string) (Descriptor, bool, error) {
	data, ok, err := r.client.Get(ctx, creativeKeyPrefix+adID)
	if err != nil || !ok {
		return Descriptor{}, false, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, false, fmt.Errorf("failed to unmarshal creative %s: %w", adID, err)
	}
	return d, true, nil
}

// MarkRendered uses SETNX so only one instance fires the win notice
func (r *RedisStore) MarkRendered(ctx context.Context, adID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, renderedKeyPrefix+adID, []byte("1"), ttl)
}
