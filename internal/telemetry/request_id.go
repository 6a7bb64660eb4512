package telemetry

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

const (
	RequestIDHeader = "X-Request-ID"

	maxRequestIDLength = 128
)

// RequestID middleware generates a unique request_id for each request.
// A well-formed upstream X-Request-ID header is reused.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := logctx.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
