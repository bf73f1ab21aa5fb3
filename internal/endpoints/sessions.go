package endpoints

import (
	"net/http"
	"sync"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// DefaultParkTTL is how long async demand waits to be collected
const DefaultParkTTL = 5 * time.Minute

type parkedDemand struct {
	partner  string
	futures  []*pubmatic.Future
	parkedAt time.Time
}

// Parked holds the futures of async demand requests by session
type Parked struct {
	mu       sync.Mutex
	sessions map[string]*parkedDemand
	ttl      time.Duration
	now      func() time.Time
}

// NewParked creates an empty table; ttl <= 0 selects DefaultParkTTL
func NewParked(ttl time.Duration) *Parked {
	if ttl <= 0 {
		ttl = DefaultParkTTL
	}
	return &Parked{
		sessions: make(map[string]*parkedDemand),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Park adds futures to a session. Uncollected sessions older than the TTL
// are dropped.
func (p *Parked) Park(sessionID, partner string, futures []*pubmatic.Future) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for id, d := range p.sessions {
		if now.Sub(d.parkedAt) > p.ttl {
			delete(p.sessions, id)
		}
	}

	d, ok := p.sessions[sessionID]
	if !ok {
		d = &parkedDemand{partner: partner}
		p.sessions[sessionID] = d
	}
	d.futures = append(d.futures, futures...)
	d.parkedAt = now
}

// Take removes and returns a session's futures
func (p *Parked) Take(sessionID string) (string, []*pubmatic.Future, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.sessions[sessionID]
	if !ok {
		return "", nil, false
	}
	delete(p.sessions, sessionID)
	return d.partner, d.futures, true
}

// Drop forgets a session
func (p *Parked) Drop(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// Len returns the number of parked sessions
func (p *Parked) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// SessionFirer runs a session's end-of-life callbacks
type SessionFirer interface {
	Fire(sessionID string) int
}

// UnloadHandler handles POST /sessions/{sessionId}/unload. Every request of
// the session still pending resolves through its timeout path.
type UnloadHandler struct {
	timers SessionFirer
	parked *Parked
}

// NewUnloadHandler creates an unload handler. parked may be nil.
func NewUnloadHandler(timers SessionFirer, parked *Parked) *UnloadHandler {
	return &UnloadHandler{timers: timers, parked: parked}
}

// ServeHTTP fires the session's timer callbacks
func (h *UnloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, "sessionId required", http.StatusBadRequest)
		return
	}

	fired := h.timers.Fire(sessionID)
	if h.parked != nil {
		h.parked.Drop(sessionID)
	}

	l := logger.Session(sessionID)
	l.Debug().Int("fired", fired).Msg("Session unloaded")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"fired":     fired,
	})
}
