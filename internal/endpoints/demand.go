package endpoints

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thenexusengine/pubmatic_htb/internal/middleware"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// DefaultMaxWait caps how long a demand request waits for its groups
const DefaultMaxWait = 3 * time.Second

// DemandRequest is the body of POST /v1/demand
type DemandRequest struct {
	SessionID string           `json:"sessionId"`
	Partner   string           `json:"partner,omitempty"`
	Parcels   []*parcel.Parcel `json:"parcels"`
	// Async returns as soon as the groups are dispatched; results are
	// collected with GET /v1/demand/{sessionId}
	Async bool `json:"async,omitempty"`
}

// DemandGroup reports one dispatched group
type DemandGroup struct {
	ID       string           `json:"id"`
	FrameURL string           `json:"frameUrl,omitempty"`
	Resolved bool             `json:"resolved"`
	Parcels  []*parcel.Parcel `json:"parcels,omitempty"`
}

// DemandResponse is the body returned by the demand endpoints
type DemandResponse struct {
	SessionID string        `json:"sessionId"`
	Partner   string        `json:"partner"`
	Groups    []DemandGroup `json:"groups"`
}

// DemandHandler handles POST /v1/demand and GET /v1/demand/{sessionId}
type DemandHandler struct {
	partners Partners
	maxWait  time.Duration
	parked   *Parked
}

// NewDemandHandler creates a demand handler. parked holds the futures of
// async requests.
func NewDemandHandler(partners Partners, maxWait time.Duration, parked *Parked) *DemandHandler {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if parked == nil {
		parked = NewParked(0)
	}
	return &DemandHandler{partners: partners, maxWait: maxWait, parked: parked}
}

// ServeHTTP dispatches a batch of slot requests
func (h *DemandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req DemandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		l := logger.HTTP()
		l.Warn().Err(err).Msg("Invalid JSON in demand request")
		writeError(w, "Invalid JSON in request body", http.StatusBadRequest)
		return
	}
	if err := validateDemandRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	partnerID, partner, ok := h.partners.lookup(req.Partner)
	if !ok {
		writeError(w, "Unknown partner", http.StatusNotFound)
		return
	}

	ctx := logger.WithSessionID(r.Context(), req.SessionID)
	futures := partner.Retrieve(ctx, req.SessionID, req.Parcels)

	if req.Async {
		h.parked.Park(req.SessionID, partnerID, futures)
		writeJSON(w, http.StatusAccepted, DemandResponse{
			SessionID: req.SessionID,
			Partner:   partnerID,
			Groups:    describe(futures, false),
		})
		return
	}

	resp := h.collect(ctx, req.SessionID, partnerID, futures)
	l := logger.FromContext(ctx)
	l.Info().
		Str("partner", partnerID).
		Int("parcels", len(req.Parcels)).
		Int("groups", len(futures)).
		Msg("Demand request completed")
	writeJSON(w, http.StatusOK, resp)
}

// ServeResults handles GET /v1/demand/{sessionId}
func (h *DemandHandler) ServeResults(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	partnerID, futures, ok := h.parked.Take(sessionID)
	if !ok {
		writeError(w, "No pending demand for session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.collect(r.Context(), sessionID, partnerID, futures))
}

// collect waits for futures up to the handler's cap
func (h *DemandHandler) collect(ctx context.Context, sessionID, partnerID string, futures []*pubmatic.Future) DemandResponse {
	ctx, cancel := context.WithTimeout(ctx, h.maxWait)
	defer cancel()
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			break
		}
	}
	return DemandResponse{
		SessionID: sessionID,
		Partner:   partnerID,
		Groups:    describe(futures, true),
	}
}

// describe reports futures. Parcels of unresolved groups are left out
// since their callbacks may still write to them.
func describe(futures []*pubmatic.Future, withParcels bool) []DemandGroup {
	groups := make([]DemandGroup, 0, len(futures))
	for _, f := range futures {
		g := DemandGroup{ID: f.ID}
		if f.FrameID != "" {
			g.FrameURL = "/frames/" + f.FrameID
		}
		if parcels := f.Parcels(); parcels != nil {
			g.Resolved = true
			if withParcels {
				g.Parcels = parcels
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func validateDemandRequest(req *DemandRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return &ValidationError{Field: "sessionId", Message: "required"}
	}
	if len(req.Parcels) == 0 {
		return &ValidationError{Field: "parcels", Message: "at least one parcel required"}
	}
	for _, p := range req.Parcels {
		if p == nil || p.XSlotRef.AdUnitName == "" {
			return &ValidationError{Field: "parcels[].xSlotRef.adUnitName", Message: "required"}
		}
		if p.XSlotRef.Size.IsZero() {
			return &ValidationError{Field: "parcels[].xSlotRef.size", Message: "required"}
		}
	}
	return nil
}
