package rest

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/onetimeshare/internal/custody"
	"github.com/italolelis/onetimeshare/internal/logctx"
)

const (
	notFoundBody = "link not found"
	goneBody     = "link no longer valid"
)

// Consumer redeems download tokens.
type Consumer interface {
	Consume(ctx context.Context, id, token string) (*custody.Outcome, error)
}

type DownloadHandler struct {
	consumer Consumer
}

func NewDownloadHandler(consumer Consumer) *DownloadHandler {
	return &DownloadHandler{consumer: consumer}
}

// Routes is mounted under /d.
func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{id}", h.HandleDownload)

	return r
}

// HandleDownload serves GET /d/{id}?t={token}. The first valid request gets
// the file; every later one gets 410.
func (h *DownloadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	logger := logctx.LoggerFromContext(ctx).With("record_id", id)

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	outcome, err := h.consumer.Consume(ctx, id, r.URL.Query().Get("t"))
	if err != nil {
		logger.ErrorContext(ctx, "failed to consume share", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	switch outcome.Kind {
	case custody.OutcomeSuccess:
	case custody.OutcomeAlreadyUsed, custody.OutcomeExpired:
		http.Error(w, goneBody, http.StatusGone)
		return
	default:
		http.Error(w, notFoundBody, http.StatusNotFound)
		return
	}

	dl := outcome.Download
	defer dl.Body.Close()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, dl.Body)
	if err != nil {
		logger.WarnContext(ctx, "download interrupted", "written", written, "err", err)
		return
	}

	logger.DebugContext(ctx, "download streamed", "written", written)
}
