// Package telemetry emits partner lifecycle and per-slot stats events.
// Emission is best-effort and never fails the caller.
package telemetry

import (
	"sort"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Event names
const (
	EventRequestSent     = "partner_request_sent"
	EventRequestComplete = "partner_request_complete"
	EventSlotRequest     = "hs_slot_request"
	EventSlotBid         = "hs_slot_bid"
	EventSlotPass        = "hs_slot_pass"
	EventSlotTimeout     = "hs_slot_timeout"
)

// Completion statuses carried by EventRequestComplete
const (
	StatusSuccess = "success"
	StatusTimeout = "timeout"
)

// Event is the payload of an emitted event. Lifecycle events set Partner
// and Status; stats events set the session and slot fields.
type Event struct {
	Partner       string        `json:"partner,omitempty"`
	Status        string        `json:"status,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Parcels       int           `json:"parcels,omitempty"`
	Latency       time.Duration `json:"latency_ns,omitempty"`

	SessionID  string   `json:"session_id,omitempty"`
	StatsID    string   `json:"stats_id,omitempty"`
	HTSlotID   string   `json:"ht_slot_id,omitempty"`
	RequestID  string   `json:"request_id,omitempty"`
	XSlotNames []string `json:"x_slot_names,omitempty"`

	// Price is set on bid stats events
	Price float64 `json:"price,omitempty"`

	Time time.Time `json:"time"`
}

// Emitter receives events
type Emitter interface {
	Emit(name string, e Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(name string, e Event)

// Emit calls f
func (f EmitterFunc) Emit(name string, e Event) {
	f(name, e)
}

// Nop discards events
type Nop struct{}

// Emit does nothing
func (Nop) Emit(string, Event) {}

// Multi fans an event out to several emitters. A panicking emitter is
// logged and skipped.
type Multi []Emitter

// Emit forwards the event to every emitter
func (m Multi) Emit(name string, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	for _, em := range m {
		if em == nil {
			continue
		}
		safeEmit(em, name, e)
	}
}

func safeEmit(em Emitter, name string, e Event) {
	defer func() {
		if r := recover(); r != nil {
			l := logger.Analytics()
			l.Error().
				Interface("panic", r).
				Str("event", name).
				Msg("Telemetry emitter panicked")
		}
	}()
	em.Emit(name, e)
}

// EmitStats emits one stats event per htSlot and request id of names.
// Groups with no xSlot names are skipped. Groups are visited in sorted
// order.
func EmitStats(em Emitter, name, sessionID, statsID string, names parcel.SlotNames) {
	if em == nil {
		return
	}
	htSlotIDs := make([]string, 0, len(names))
	for id := range names {
		htSlotIDs = append(htSlotIDs, id)
	}
	sort.Strings(htSlotIDs)

	for _, htSlotID := range htSlotIDs {
		byRequest := names[htSlotID]
		requestIDs := make([]string, 0, len(byRequest))
		for id := range byRequest {
			requestIDs = append(requestIDs, id)
		}
		sort.Strings(requestIDs)

		for _, requestID := range requestIDs {
			xSlotNames := byRequest[requestID]
			if len(xSlotNames) == 0 {
				continue
			}
			em.Emit(name, Event{
				SessionID:  sessionID,
				StatsID:    statsID,
				HTSlotID:   htSlotID,
				RequestID:  requestID,
				XSlotNames: append([]string(nil), xSlotNames...),
			})
		}
	}
}
