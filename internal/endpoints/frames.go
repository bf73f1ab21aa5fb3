package endpoints

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/thenexusengine/pubmatic_htb/internal/frame"
	"github.com/thenexusengine/pubmatic_htb/internal/middleware"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// FrameHandler handles GET /frames/{id}
type FrameHandler struct {
	host frame.Host
}

// NewFrameHandler creates a frame handler
func NewFrameHandler(host frame.Host) *FrameHandler {
	return &FrameHandler{host: host}
}

// ServeHTTP writes the frame's markup
func (h *FrameHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, ok := h.host.Lookup(r.PathValue("id"))
	if !ok || f.Markup() == "" {
		writeError(w, frame.ErrFrameNotFound.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client went away
	io.WriteString(w, f.Markup())
}

// CallbackHandler handles POST /callbacks/{partner}/{id}, through which a
// loader running outside the page delivers its maps
type CallbackHandler struct {
	partners Partners
}

// NewCallbackHandler creates a callback handler
func NewCallbackHandler(partners Partners) *CallbackHandler {
	return &CallbackHandler{partners: partners}
}

// ServeHTTP delivers the maps. Deliveries for requests that already
// resolved are accepted and ignored.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	partner, ok := h.partners[r.PathValue("partner")]
	if !ok {
		writeError(w, "Unknown partner", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	var resp frame.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		if middleware.IsBodyTooLarge(err) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if !partner.Deliver(id, resp) {
		l := logger.HTTP()
		l.Debug().Str("correlation_id", id).Msg("Late callback delivery")
	}
	w.WriteHeader(http.StatusNoContent)
}
