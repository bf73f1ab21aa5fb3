// Package frame models the isolated execution contexts partner markup is
// written into, and the in-memory host that serves them.
package frame

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// ErrFrameNotFound is returned when a frame id is unknown or has expired
var ErrFrameNotFound = errors.New("frame not found")

// ErrAlreadyWritten is returned when markup is written to a frame twice
var ErrAlreadyWritten = errors.New("frame markup already written")

// Frame is an isolated execution context
type Frame interface {
	ID() string
	// Write writes the document markup. A frame accepts one document.
	Write(markup string) error
	Markup() string
	Window() *Window
}

// Host creates frames and looks them up by id
type Host interface {
	Create() (Frame, error)
	Lookup(id string) (Frame, bool)
}

// memoryFrame is a Frame kept in process memory
type memoryFrame struct {
	id        string
	createdAt time.Time
	window    Window

	mu      sync.RWMutex
	markup  string
	written bool
}

func (f *memoryFrame) ID() string { return f.id }

func (f *memoryFrame) Window() *Window { return &f.window }

func (f *memoryFrame) Write(markup string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written {
		return ErrAlreadyWritten
	}
	f.markup = markup
	f.written = true
	return nil
}

func (f *memoryFrame) Markup() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.markup
}

// MemoryHost keeps frames in memory. Frames are never destroyed by their
// creator; Sweep evicts those older than the configured TTL.
type MemoryHost struct {
	mu     sync.RWMutex
	frames map[string]*memoryFrame
	ttl    time.Duration
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryHost creates a host; ttl <= 0 disables eviction
func NewMemoryHost(ttl time.Duration) *MemoryHost {
	return &MemoryHost{
		frames: make(map[string]*memoryFrame),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Create allocates a new frame with a unique id
func (h *MemoryHost) Create() (Frame, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	f := &memoryFrame{
		id:        hex.EncodeToString(u.Bytes()),
		createdAt: h.now(),
	}

	h.mu.Lock()
	h.frames[f.id] = f
	h.mu.Unlock()
	return f, nil
}

// Lookup finds a live frame
func (h *MemoryHost) Lookup(id string) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.frames[id]
	if !ok {
		return nil, false
	}
	return f, true
}

// Len returns the number of live frames
func (h *MemoryHost) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.frames)
}

// Sweep evicts expired frames and returns how many were removed
func (h *MemoryHost) Sweep() int {
	if h.ttl <= 0 {
		return 0
	}
	cutoff := h.now().Add(-h.ttl)

	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, f := range h.frames {
		if f.createdAt.Before(cutoff) {
			delete(h.frames, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps on the given interval until Stop is called
func (h *MemoryHost) StartJanitor(interval time.Duration) {
	if interval <= 0 || h.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.Sweep()
			}
		}
	}()
}

// Stop stops the janitor. Safe to call multiple times.
func (h *MemoryHost) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}
