package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/custody"
	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/storage"
)

const fileNameHeader = "X-File-Name"

// Issuer creates shares.
type Issuer interface {
	Issue(ctx context.Context, req custody.IssueRequest) (*storage.CustodyRecord, string, error)
}

type ShareResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	URL         string     `json:"url"`
}

// UploadHandler is the owner-facing upload endpoint. The basic auth username
// becomes the owner id of the share.
type UploadHandler struct {
	issuer   Issuer
	username string
	password string
	maxBytes int64
	baseURL  string
}

func NewUploadHandler(issuer Issuer, username, password string, maxBytes int64, baseURL string) *UploadHandler {
	return &UploadHandler{
		issuer:   issuer,
		username: username,
		password: password,
		maxBytes: maxBytes,
		baseURL:  baseURL,
	}
}

// Routes is mounted under /api.
func (h *UploadHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)
	r.Post("/files", h.HandleUpload)

	return r
}

// HandleUpload serves POST /api/files?name={filename} with the raw file as body.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, _, _ := r.BasicAuth()
	logger := logctx.LoggerFromContext(ctx).With("owner_id", owner)

	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.Header.Get(fileNameHeader)
	}

	if name == "" {
		http.Error(w, "file name is required", http.StatusBadRequest)
		return
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, h.maxBytes)

	contentType := r.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType, body = blob.SniffContentType(body)
	}

	rec, tok, err := h.issuer.Issue(ctx, custody.IssueRequest{
		OwnerID:     owner,
		Name:        name,
		ContentType: contentType,
		Body:        body,
	})
	if err != nil {
		h.writeIssueError(ctx, w, err)
		return
	}

	resp := ShareResponse{
		ID:          rec.ID,
		Name:        rec.OriginalName,
		Size:        rec.SizeBytes,
		ContentType: rec.ContentType,
		ExpiresAt:   rec.ExpiresAt,
		URL:         DownloadURL(h.baseURL, rec.ID, tok),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

// DownloadURL builds the link a recipient follows to redeem a share.
func DownloadURL(baseURL, id, token string) string {
	return strings.TrimRight(baseURL, "/") + "/d/" + url.PathEscape(id) + "?t=" + url.QueryEscape(token)
}

func (h *UploadHandler) writeIssueError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logctx.LoggerFromContext(ctx)

	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		logger.WarnContext(ctx, "upload exceeds size limit", "limit", tooLarge.Limit)
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, custody.ErrInvalidName), errors.Is(err, custody.ErrMissingOwner), errors.Is(err, custody.ErrMissingBody):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.ErrorContext(ctx, "failed to issue share", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *UploadHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="onetimeshare"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
