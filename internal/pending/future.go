package pending

import (
	"context"
	"sync"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
)

// Future is the completion handle returned for one dispatched group. It is
// resolved exactly once with the group's annotated parcels.
type Future struct {
	once    sync.Once
	done    chan struct{}
	parcels []*parcel.Parcel
}

// NewFuture returns an unresolved future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future. Only the first call has an effect; it
// reports whether this call resolved the future.
func (f *Future) Resolve(parcels []*parcel.Parcel) bool {
	resolved := false
	f.once.Do(func() {
		f.parcels = parcels
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done
func (f *Future) Wait(ctx context.Context) ([]*parcel.Parcel, error) {
	select {
	case <-f.done:
		return f.parcels, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Parcels returns the resolved parcels, or nil while unresolved
func (f *Future) Parcels() []*parcel.Parcel {
	select {
	case <-f.done:
		return f.parcels
	default:
		return nil
	}
}
