package pubmatic

import (
	"context"
	"strings"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/pending"
	"github.com/thenexusengine/pubmatic_htb/internal/slotkey"
	"github.com/thenexusengine/pubmatic_htb/internal/telemetry"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Retrieve dispatches parcels and returns one future per dispatched group.
// Each future resolves with its group, annotated in place. Retrieve never
// fails: a group that cannot be sent resolves immediately as all-pass.
func (a *Adapter) Retrieve(ctx context.Context, sessionID string, parcels []*parcel.Parcel) []*Future {
	groups := a.partitioner.Partition(parcels)
	futures := make([]*Future, 0, len(groups))
	for _, group := range groups {
		futures = append(futures, a.send(ctx, sessionID, group))
	}
	return futures
}

func (a *Adapter) send(ctx context.Context, sessionID string, group []*parcel.Parcel) *Future {
	log := logger.FromContext(ctx).With().
		Str("partner", PartnerID).
		Str("session_id", sessionID).
		Int("parcels", len(group)).
		Logger()

	completion := pending.NewFuture()
	id, err := a.newID()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate correlation id")
		return a.passAll(group, completion, id)
	}
	log = log.With().Str("correlation_id", id).Logger()

	names := parcel.NewSlotNames(group)
	if a.cfg.EnabledAnalytics.RequestTime {
		telemetry.EmitStats(a.emitter, telemetry.EventSlotRequest, sessionID, StatsID, names)
	}

	f, err := a.host.Create()
	if err != nil {
		log.Error().Err(err).Msg("Failed to create frame")
		return a.passAll(group, completion, id)
	}

	markup, err := frame.BuildMarkup(frame.Payload{
		PublisherID:  a.publisherID,
		AdSlots:      slotkey.BuildAll(group),
		CallbackPath: a.registry.Path(id),
		CallbackURL:  a.callbackURL(id),
		ScriptURL:    a.cfg.ScriptURL,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build frame markup")
		return a.passAll(group, completion, id)
	}

	entry := &pending.Entry{
		ID:         id,
		SessionID:  sessionID,
		Parcels:    group,
		SlotNames:  names,
		Frame:      f,
		Completion: completion,
		CreatedAt:  a.now(),
	}
	if err := a.store.Put(entry); err != nil {
		log.Error().Err(err).Msg("Failed to register pending request")
		return a.passAll(group, completion, id)
	}
	if err := a.registry.Register(id, func() { a.complete(id) }); err != nil {
		a.store.Take(id)
		log.Error().Err(err).Msg("Failed to register response callback")
		return a.passAll(group, completion, id)
	}

	// The entry is live before the markup is written, so a loader that
	// answers immediately always finds it.
	if err := f.Write(markup); err != nil {
		a.registry.Remove(id)
		a.store.Take(id)
		log.Error().Err(err).Msg("Failed to write frame markup")
		return a.passAll(group, completion, id)
	}

	if a.cfg.Timeout > 0 {
		entry.Arm(a.cfg.Timeout, func() { a.expire(id) })
	}
	if a.timer != nil {
		a.timer.AddTimerCallback(sessionID, func() { a.expire(id) })
	}

	a.emitter.Emit(telemetry.EventRequestSent, telemetry.Event{
		Partner:       PartnerID,
		CorrelationID: id,
		Parcels:       len(group),
	})
	a.observePending()

	log.Debug().Str("frame_id", f.ID()).Msg("Demand request sent")
	return &Future{Future: completion, ID: id, FrameID: f.ID()}
}

// passAll resolves a group that could not be sent
func (a *Adapter) passAll(group []*parcel.Parcel, completion *pending.Future, id string) *Future {
	for _, p := range group {
		p.MarkPass()
	}
	completion.Resolve(group)
	return &Future{Future: completion, ID: id}
}

func (a *Adapter) callbackURL(id string) string {
	if a.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(a.cfg.CallbackBaseURL, "/") + "/callbacks/" + PartnerID + "/" + id
}

func (a *Adapter) observePending() {
	if a.metrics != nil {
		a.metrics.SetPending(PartnerID, a.store.Len())
	}
}
