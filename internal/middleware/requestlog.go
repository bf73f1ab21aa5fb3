package middleware

import (
	"net/http"

	"github.com/gofrs/uuid"

	"github.com/thenexusengine/pubmatic_htb/pkg/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLog assigns a request id, stores it in the request context and
// logs each completed request
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set(RequestIDHeader, requestID)

		rl := logger.NewRequestLogger(requestID).
			WithField("method", r.Method).
			WithField("path", r.URL.Path)
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r.WithContext(logger.WithRequestID(r.Context(), requestID)))

		rl.LogComplete(wrapped.statusCode)
	})
}

func newRequestID() string {
	u, err := uuid.NewV4()
	if err != nil {
		return "unknown"
	}
	return u.String()
}
