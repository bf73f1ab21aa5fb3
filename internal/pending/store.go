// Package pending tracks dispatched partner requests until exactly one of
// their completion paths claims them.
package pending

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
)

// ErrDuplicateID is returned when a correlation id is already live
var ErrDuplicateID = errors.New("pending: duplicate correlation id")

// State of an entry
type State int32

const (
	// StatePending means no completion path has claimed the entry
	StatePending State = iota
	// StateResolved means a completion path has claimed the entry
	StateResolved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Entry is one in-flight request
type Entry struct {
	ID        string
	SessionID string
	Parcels   []*parcel.Parcel
	// SlotNames holds the xSlot names not yet matched by a response row
	SlotNames  parcel.SlotNames
	Frame      frame.Frame
	Completion *Future
	CreatedAt  time.Time

	state atomic.Int32
	timer atomic.Pointer[time.Timer]
}

// Arm schedules fn to run after d. The timer is stopped when the entry is
// taken.
func (e *Entry) Arm(d time.Duration, fn func()) {
	e.timer.Store(time.AfterFunc(d, fn))
}

func (e *Entry) stopTimer() {
	if t := e.timer.Load(); t != nil {
		t.Stop()
	}
}

// State returns the entry's current state
func (e *Entry) State() State {
	return State(e.state.Load())
}

// claim moves the entry from pending to resolved
func (e *Entry) claim() bool {
	return e.state.CompareAndSwap(int32(StatePending), int32(StateResolved))
}

// Store maps correlation ids to in-flight entries. Take is the single
// arbitration point between the success and timeout paths.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Put registers an entry under its id
func (s *Store) Put(e *Entry) error {
	if e == nil || e.ID == "" {
		return errors.New("pending: entry requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID]; exists {
		return ErrDuplicateID
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries[e.ID] = e
	return nil
}

// Take removes and returns the entry if it is still pending. Of any number
// of concurrent callers for one id, at most one gets the entry.
func (s *Store) Take(id string) (*Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok || !e.claim() {
		return nil, false
	}
	e.stopTimer()
	return e, true
}

// Peek returns the entry without claiming it
func (s *Store) Peek(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of in-flight entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// OlderThan returns the ids of entries created before cutoff
func (s *Store) OlderThan(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
