package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabled(t *testing.T) *Telemetry {
	t.Helper()

	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "onetimeshare-test", InstanceID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	return string(body)
}

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	tel.RecordConsume("success")
	tel.RecordIssue("success", 10)
	tel.RecordSweepRun("success", time.Second)

	called := false
	err = tel.InstrumentDBOperation(context.Background(), "get", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	tel.RecordDeleteJob("dropped")
	tel.RecordIntegrityFailure()
	assert.NoError(t, tel.Shutdown(context.Background()))

	wantErr := errors.New("boom")
	err := tel.InstrumentBlobOperation(context.Background(), "fs", "open", func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestMetricsAreExported(t *testing.T) {
	tel := newEnabled(t)

	tel.RecordConsume("already_used")
	tel.RecordIssue("success", 10)
	tel.RecordSweepRecords("expire", "success", 2)
	require.Error(t, tel.InstrumentDBOperation(context.Background(), "mark_consumed", func(context.Context) error {
		return errors.New("locked")
	}))

	body := scrape(t, tel)
	assert.Contains(t, body, `consume_attempts_total{`)
	assert.Contains(t, body, `outcome="already_used"`)
	assert.Contains(t, body, `shares_issued_total{`)
	assert.Contains(t, body, `sweeper_records_total{`)
	assert.Contains(t, body, `operation="mark_consumed"`)
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	tel := newEnabled(t)

	r := chi.NewRouter()
	r.Use(RequestID, NewHTTPMiddleware(tel).Middleware)
	r.Get("/d/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/d/0b5f2f9e-6b43-4c55-8c4e-3f6fcd2d4a11", nil))

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	body := scrape(t, tel)
	assert.Contains(t, body, `route="/d/{id}"`)
	assert.NotContains(t, body, "0b5f2f9e")
}

func TestRequestID_ReusesUpstreamHeader(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-1", rec.Header().Get(RequestIDHeader))
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusCreated))
	assert.Equal(t, "4xx", getStatusClass(http.StatusGone))
	assert.Equal(t, "5xx", getStatusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", getStatusClass(0))
}
