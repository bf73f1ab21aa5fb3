package pubmatic

import (
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/telemetry"
)

// complete is the response callback of request id. Only the first of
// complete and expire to take the entry has any effect.
func (a *Adapter) complete(id string) {
	a.registry.Remove(id)

	entry, ok := a.store.Take(id)
	if !ok {
		return
	}
	a.observePending()
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().
				Interface("panic", r).
				Str("correlation_id", id).
				Msg("Response parsing panicked")
			for _, p := range entry.Parcels {
				p.MarkPass()
			}
		}
		entry.Completion.Resolve(entry.Parcels)
	}()

	a.emitter.Emit(telemetry.EventRequestComplete, telemetry.Event{
		Partner:       PartnerID,
		Status:        telemetry.StatusSuccess,
		CorrelationID: id,
		Parcels:       len(entry.Parcels),
		Latency:       a.now().Sub(entry.CreatedAt),
	})

	var resp frame.Response
	if entry.Frame != nil {
		resp = entry.Frame.Window().Response()
	}
	a.parseResponse(entry.SessionID, entry.Parcels, entry.SlotNames, resp)
}

// expire is the timeout callback of request id. The group resolves
// unannotated.
func (a *Adapter) expire(id string) {
	entry, ok := a.store.Take(id)
	if !ok {
		return
	}
	a.registry.Remove(id)
	a.observePending()

	a.emitter.Emit(telemetry.EventRequestComplete, telemetry.Event{
		Partner:       PartnerID,
		Status:        telemetry.StatusTimeout,
		CorrelationID: id,
		Parcels:       len(entry.Parcels),
		Latency:       a.now().Sub(entry.CreatedAt),
	})
	if a.cfg.EnabledAnalytics.RequestTime {
		telemetry.EmitStats(a.emitter, telemetry.EventSlotTimeout, entry.SessionID, StatsID, entry.SlotNames)
	}

	a.log.Debug().
		Str("correlation_id", id).
		Str("session_id", entry.SessionID).
		Msg("Demand request timed out")

	entry.Completion.Resolve(entry.Parcels)
}

// Deliver hands a loader's maps to request id: they are written into the
// request's frame and its response callback is invoked. It reports false
// when the request is no longer pending.
func (a *Adapter) Deliver(id string, resp frame.Response) bool {
	entry, ok := a.store.Peek(id)
	if !ok || entry.Frame == nil {
		a.lateCallback(id)
		return false
	}
	entry.Frame.Window().Populate(resp)

	if !a.registry.Invoke(id) {
		a.lateCallback(id)
		return false
	}
	return true
}

// Expire runs the timeout path of request id
func (a *Adapter) Expire(id string) {
	a.expire(id)
}

// Reap times out every request pending for longer than maxAge and returns
// how many it found. It backs up requests dispatched without a timeout.
func (a *Adapter) Reap(maxAge time.Duration) int {
	ids := a.store.OlderThan(a.now().Add(-maxAge))
	for _, id := range ids {
		a.expire(id)
	}
	return len(ids)
}

func (a *Adapter) lateCallback(id string) {
	if a.metrics != nil {
		a.metrics.IncLateCallback(PartnerID)
	}
	a.log.Debug().Str("correlation_id", id).Msg("Callback for resolved request ignored")
}
