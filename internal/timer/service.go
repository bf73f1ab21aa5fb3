// Package timer runs callbacks registered against a session when that
// session ends, such as on page unload.
package timer

import (
	"sync"
	"time"

	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Service holds per-session callbacks
type Service struct {
	mu        sync.Mutex
	callbacks map[string][]func()
	lastAdded map[string]time.Time
	now       func() time.Time
}

// NewService creates an empty service
func NewService() *Service {
	return &Service{
		callbacks: make(map[string][]func()),
		lastAdded: make(map[string]time.Time),
		now:       time.Now,
	}
}

// AddTimerCallback registers fn to run when sessionID fires
func (s *Service) AddTimerCallback(sessionID string, fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.callbacks[sessionID] = append(s.callbacks[sessionID], fn)
	s.lastAdded[sessionID] = s.now()
	s.mu.Unlock()
}

// Fire runs and clears every callback of sessionID. It returns how many
// ran. A panicking callback does not stop the rest.
func (s *Service) Fire(sessionID string) int {
	s.mu.Lock()
	fns := s.callbacks[sessionID]
	delete(s.callbacks, sessionID)
	delete(s.lastAdded, sessionID)
	s.mu.Unlock()

	for _, fn := range fns {
		run(sessionID, fn)
	}
	return len(fns)
}

// Clear drops the callbacks of sessionID without running them
func (s *Service) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.callbacks, sessionID)
	delete(s.lastAdded, sessionID)
	s.mu.Unlock()
}

// Prune drops, without running, the callbacks of sessions that registered
// nothing for longer than idle
func (s *Service) Prune(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, at := range s.lastAdded {
		if at.Before(cutoff) {
			delete(s.callbacks, id)
			delete(s.lastAdded, id)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of callbacks registered for sessionID
func (s *Service) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks[sessionID])
}

// Sessions returns the number of sessions with callbacks
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func run(sessionID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l := logger.Session(sessionID)
			l.Error().
				Interface("panic", r).
				Msg("Timer callback panicked")
		}
	}()
	fn()
}
