package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

// HTTPMiddleware provides HTTP telemetry middleware.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{
		telemetry: telemetry,
	}
}

// Middleware records RED metrics and logs every request with a level chosen
// by its status code. Spans come from otelhttp further out in the chain.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		m.telemetry.IncrementHTTPInFlight()
		defer m.telemetry.DecrementHTTPInFlight()

		rw := wrapResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		route := routePattern(r)

		m.telemetry.RecordHTTPRequest(r.Method, route, getStatusClass(rw.status), duration)

		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", rw.status,
			"bytes", rw.bytesWritten,
			"duration_ms", duration.Milliseconds(),
		}

		logger := logctx.LoggerFromContext(ctx)

		switch {
		case rw.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case rw.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}

// routePattern avoids putting record ids into metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// responseWriter captures the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter

	status       int
	bytesWritten int64
	wroteHeader  bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)

	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func getStatusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
