// Package endpoints provides the relay's HTTP handlers
package endpoints

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Partner is a demand partner the relay dispatches slot requests to
type Partner interface {
	Retrieve(ctx context.Context, sessionID string, parcels []*parcel.Parcel) []*pubmatic.Future
	Deliver(id string, resp frame.Response) bool
}

// Partners maps partner ids to partners
type Partners map[string]Partner

// lookup returns the named partner, or the only partner when name is empty
func (p Partners) lookup(name string) (string, Partner, bool) {
	if name == "" && len(p) == 1 {
		for id, partner := range p {
			return id, partner, true
		}
	}
	partner, ok := p[name]
	return name, partner, ok
}

// writeError writes an error response
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.HTTP()
		l.Error().Err(err).Msg("failed to encode response")
	}
}

// Handlers are the relay's routed handlers
type Handlers struct {
	Demand    *DemandHandler
	Frames    *FrameHandler
	Callbacks *CallbackHandler
	Unload    *UnloadHandler
	Ads       *AdHandler
}

// Register mounts the handlers on mux. Nil handlers are skipped.
func (h Handlers) Register(mux *http.ServeMux) {
	if h.Demand != nil {
		mux.Handle("POST /v1/demand", h.Demand)
		mux.HandleFunc("GET /v1/demand/{sessionId}", h.Demand.ServeResults)
	}
	if h.Frames != nil {
		mux.Handle("GET /frames/{id}", h.Frames)
	}
	if h.Callbacks != nil {
		mux.Handle("POST /callbacks/{partner}/{id}", h.Callbacks)
	}
	if h.Unload != nil {
		mux.Handle("POST /sessions/{sessionId}/unload", h.Unload)
	}
	if h.Ads != nil {
		mux.Handle("GET /ads/{adId}", h.Ads)
	}
}
