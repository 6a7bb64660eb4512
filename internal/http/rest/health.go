package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/onetimeshare/internal/logctx"
	"github.com/italolelis/onetimeshare/internal/storage"
)

const readinessTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsProvider interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

type HealthHandler struct {
	db    Pinger
	stats StatsProvider
}

func NewHealthHandler(db Pinger, stats StatsProvider) *HealthHandler {
	return &HealthHandler{db: db, stats: stats}
}

func (h *HealthHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.HandleHealth)
	r.Get("/live", h.HandleLive)
	r.Get("/ready", h.HandleReady)

	return r
}

type healthResponse struct {
	Status string         `json:"status"`
	Stats  *storage.Stats `json:"stats,omitempty"`
}

func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready(r.Context()) {
		writeJSON(r.Context(), w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, healthResponse{Status: "ok"})
}

// HandleHealth reports readiness plus record counts.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.ready(ctx) {
		writeJSON(ctx, w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}

	resp := healthResponse{Status: "ok"}
	if h.stats == nil {
		writeJSON(ctx, w, http.StatusOK, resp)
		return
	}

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to collect record stats", "err", err)
	} else {
		resp.Stats = &stats
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func (h *HealthHandler) ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "database not ready", "err", err)
		return false
	}

	return true
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
