package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/onetimeshare/internal/custody"
)

type stubConsumer struct {
	outcome *custody.Outcome
	err     error

	gotID    string
	gotToken string
}

func (s *stubConsumer) Consume(_ context.Context, id, tok string) (*custody.Outcome, error) {
	s.gotID, s.gotToken = id, tok
	return s.outcome, s.err
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func serveDownload(t *testing.T, c Consumer, target string) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	NewRouter(RouterConfig{
		Download: NewDownloadHandler(c),
		Health:   NewHealthHandler(okPinger{}, nil),
	}).ServeHTTP(w, r)

	return w
}

func TestDownload_Success(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("0123456789")}
	c := &stubConsumer{outcome: &custody.Outcome{
		Kind: custody.OutcomeSuccess,
		Download: &custody.Download{
			Body:        body,
			Name:        "report final.pdf",
			ContentType: "application/pdf",
			Size:        10,
		},
	}}

	w := serveDownload(t, c, "/d/abc?t=tok-123")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0123456789", w.Body.String())
	assert.Equal(t, "abc", c.gotID)
	assert.Equal(t, "tok-123", c.gotToken)
	assert.True(t, body.closed)

	h := w.Header()
	assert.Equal(t, "no-store", h.Get("Cache-Control"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.Equal(t, "application/pdf", h.Get("Content-Type"))
	assert.Equal(t, "10", h.Get("Content-Length"))
	assert.Equal(t, `attachment; filename="report final.pdf"`, h.Get("Content-Disposition"))
}

func TestDownload_OutcomeStatus(t *testing.T) {
	tests := []struct {
		name string
		kind custody.OutcomeKind
		code int
		body string
	}{
		{name: "not found", kind: custody.OutcomeNotFound, code: http.StatusNotFound, body: notFoundBody},
		{name: "already used", kind: custody.OutcomeAlreadyUsed, code: http.StatusGone, body: goneBody},
		{name: "expired", kind: custody.OutcomeExpired, code: http.StatusGone, body: goneBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveDownload(t, &stubConsumer{outcome: &custody.Outcome{Kind: tt.kind}}, "/d/abc?t=x")

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.body, strings.TrimSpace(w.Body.String()))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		})
	}
}

func TestDownload_StorageFailure(t *testing.T) {
	w := serveDownload(t, &stubConsumer{err: errors.New("disk on fire")}, "/d/abc?t=x")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")
}

func TestDownload_MissingTokenIsPassedThrough(t *testing.T) {
	c := &stubConsumer{outcome: &custody.Outcome{Kind: custody.OutcomeNotFound}}

	w := serveDownload(t, c, "/d/abc")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, c.gotToken)
}
