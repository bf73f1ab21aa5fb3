package pubmatic

import (
	"context"
	"math"
	"net/url"
	"sort"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/render"
	"github.com/thenexusengine/pubmatic_htb/internal/slotkey"
	"github.com/thenexusengine/pubmatic_htb/internal/telemetry"
)

// AdIDTargetingKey carries the render service ad id of a bid
const AdIDTargetingKey = "pubKitAdId"

const registerTimeout = 2 * time.Second

// parseResponse annotates parcels from resp. Every parcel ends up either a
// bid or a pass. outstanding holds the xSlot names still awaiting a row.
func (a *Adapter) parseResponse(sessionID string, parcels []*parcel.Parcel, outstanding parcel.SlotNames, resp frame.Response) {
	unmatched := make([]*parcel.Parcel, len(parcels))
	copy(unmatched, parcels)

	keys := make([]string, 0, len(resp.BidDetailsMap))
	for k := range resp.BidDetailsMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var p *parcel.Parcel
		p, unmatched = takeMatch(unmatched, slotkey.Key(key))
		if p == nil {
			continue
		}

		details := resp.BidDetailsMap[key]
		status := ParseStatus(resp.ProgKeyValueMap[key])
		ecpm := float64(details.Ecpm)

		if outstanding != nil {
			outstanding.Remove(p.HTSlotID, p.RequestID, p.XSlotName)
		}
		stats := telemetry.Event{
			SessionID:  sessionID,
			StatsID:    StatsID,
			HTSlotID:   p.HTSlotID,
			RequestID:  p.RequestID,
			XSlotNames: []string{p.XSlotName},
		}

		if !status.Affirmative() || !validPrice(ecpm) {
			a.log.Debug().
				Str("slot", key).
				Str("bid_status", status.BidStatus).
				Float64("ecpm", ecpm).
				Msg("Price was zero or bid status was not affirmative")
			p.Pass = true
			a.emitSlotStats(telemetry.EventSlotPass, stats)
			continue
		}

		a.applyBid(sessionID, p, status, details)
		stats.Price = p.Price
		a.emitSlotStats(telemetry.EventSlotBid, stats)
	}

	for _, p := range unmatched {
		p.Pass = true
	}
	if a.cfg.EnabledAnalytics.RequestTime {
		telemetry.EmitStats(a.emitter, telemetry.EventSlotPass, sessionID, StatsID, outstanding)
	}
}

// validPrice reports whether ecpm can back a bid
func validPrice(ecpm float64) bool {
	return ecpm > 0 && !math.IsInf(ecpm, 1)
}

// takeMatch removes the last parcel whose key equals key
func takeMatch(unmatched []*parcel.Parcel, key slotkey.Key) (*parcel.Parcel, []*parcel.Parcel) {
	for i := len(unmatched) - 1; i >= 0; i-- {
		if slotkey.ForParcel(unmatched[i]) == key {
			p := unmatched[i]
			return p, append(unmatched[:i], unmatched[i+1:]...)
		}
	}
	return nil, unmatched
}

func (a *Adapter) applyBid(sessionID string, p *parcel.Parcel, status Status, details frame.BidDetails) {
	ecpm := float64(details.Ecpm)
	creative := decodeComponent(details.CreativeTag)
	trackingURL := decodeComponent(details.TrackingURL)
	size := parcel.Size{W: int(details.Width), H: int(details.Height)}
	tier := a.targeting.Apply(ecpm)
	keys := a.cfg.TargetingKeys

	p.Pass = false
	p.TargetingType = parcel.TargetingTypeSlot
	p.Size = size
	p.Targeting = make(map[string][]string)
	if status.HasDeal() {
		p.DealID = status.DealID
		p.Targeting[keys.PM] = []string{size.String() + "_" + tier}
		p.Targeting[keys.PMID] = []string{size.String() + "_" + status.DealID}
	} else {
		p.Targeting[keys.OM] = []string{size.String() + "_" + tier}
	}
	p.Targeting[keys.ID] = []string{p.RequestID}

	p.Adm = creative
	if trackingURL != "" {
		notifier := a.pixel
		p.WinNotice = func() { notifier.FireAsync(trackingURL) }
	}
	p.Price = a.price.ApplyFloat(ecpm)

	var expiry int64
	if a.cfg.DemandExpiry > 0 {
		expiry = a.now().Add(a.cfg.DemandExpiry).UnixMilli()
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	adID, err := a.render.RegisterCreative(ctx, render.Descriptor{
		SessionID:    sessionID,
		PartnerID:    PartnerID,
		RequestID:    p.RequestID,
		Adm:          creative,
		Size:         size,
		Price:        tier,
		DealID:       status.DealID,
		TimeOfExpiry: expiry,
		WinURL:       trackingURL,
	})
	if err != nil {
		a.log.Warn().Err(err).
			Str("session_id", sessionID).
			Str("request_id", p.RequestID).
			Msg("Failed to register creative")
		return
	}
	p.AdID = adID
	p.Targeting[AdIDTargetingKey] = []string{adID}
}

func (a *Adapter) emitSlotStats(name string, e telemetry.Event) {
	if a.cfg.EnabledAnalytics.RequestTime {
		a.emitter.Emit(name, e)
	}
}

// decodeComponent percent-decodes s. Malformed input is returned as is.
func decodeComponent(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
