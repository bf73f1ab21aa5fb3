package pending

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
)

func TestStorePutTake(t *testing.T) {
	s := NewStore()
	e := &Entry{ID: "_a", Completion: NewFuture()}

	require.NoError(t, s.Put(e))
	assert.Equal(t, 1, s.Len())
	assert.False(t, e.CreatedAt.IsZero())

	peeked, ok := s.Peek("_a")
	require.True(t, ok)
	assert.Same(t, e, peeked)
	assert.Equal(t, StatePending, e.State())

	got, ok := s.Take("_a")
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.Equal(t, StateResolved, e.State())
	assert.Equal(t, 0, s.Len())

	_, ok = s.Take("_a")
	assert.False(t, ok)
}

func TestStoreRejectsDuplicateAndEmptyIDs(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put(&Entry{ID: "_a"}))
	assert.ErrorIs(t, s.Put(&Entry{ID: "_a"}), ErrDuplicateID)
	assert.Error(t, s.Put(&Entry{}))
	assert.Error(t, s.Put(nil))
}

func TestStoreTakeUnknown(t *testing.T) {
	s := NewStore()
	e, ok := s.Take("_missing")
	assert.False(t, ok)
	assert.Nil(t, e)
}

func TestStoreTakeIsExclusive(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := NewStore()
		require.NoError(t, s.Put(&Entry{ID: "_race"}))

		var winners atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := s.Take("_race"); ok {
					winners.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	}
}

func TestEntryClaimOnce(t *testing.T) {
	e := &Entry{ID: "_a"}
	assert.True(t, e.claim())
	assert.False(t, e.claim())
	assert.Equal(t, "resolved", e.State().String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestStoreOlderThan(t *testing.T) {
	s := NewStore()
	now := time.Now()
	require.NoError(t, s.Put(&Entry{ID: "_old", CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.Put(&Entry{ID: "_new", CreatedAt: now}))

	assert.Equal(t, []string{"_old"}, s.OlderThan(now.Add(-time.Minute)))
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture()
	assert.Nil(t, f.Parcels())

	first := []*parcel.Parcel{{XSlotName: "a"}}
	assert.True(t, f.Resolve(first))
	assert.False(t, f.Resolve([]*parcel.Parcel{{XSlotName: "b"}}))

	select {
	case <-f.Done():
	default:
		t.Fatal("future not done")
	}

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].XSlotName)
	assert.Equal(t, first, f.Parcels())
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTakeStopsArmedTimer(t *testing.T) {
	s := NewStore()
	e := &Entry{ID: "_t", Completion: NewFuture()}
	require.NoError(t, s.Put(e))

	var fired atomic.Bool
	e.Arm(50*time.Millisecond, func() { fired.Store(true) })

	_, ok := s.Take("_t")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}
