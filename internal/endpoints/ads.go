package endpoints

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/thenexusengine/pubmatic_htb/internal/render"
	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// Renderer resolves ad ids to creatives
type Renderer interface {
	Render(ctx context.Context, adID string) (render.Descriptor, error)
}

// AdHandler handles GET /ads/{adId}
type AdHandler struct {
	renderer Renderer
}

// NewAdHandler creates an ad handler
func NewAdHandler(renderer Renderer) *AdHandler {
	return &AdHandler{renderer: renderer}
}

// ServeHTTP writes the creative markup. The first render of an ad fires
// its win notification.
func (h *AdHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	adID := r.PathValue("adId")
	d, err := h.renderer.Render(r.Context(), adID)
	switch {
	case errors.Is(err, render.ErrAdNotFound):
		writeError(w, "Ad not found", http.StatusNotFound)
		return
	case errors.Is(err, render.ErrAdExpired):
		writeError(w, "Ad expired", http.StatusGone)
		return
	case err != nil:
		l := logger.FromContext(r.Context())
		l.Error().Err(err).Str("ad_id", adID).Msg("Failed to render ad")
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client went away
	io.WriteString(w, d.Adm)
}
