package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/onetimeshare/internal/telemetry"
)

type RouterConfig struct {
	Download  *DownloadHandler
	Health    *HealthHandler
	Upload    *UploadHandler // nil disables uploads
	Telemetry *telemetry.Telemetry
}

// NewRouter assembles the public HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(cfg.Telemetry).Middleware)

	r.Mount("/d", cfg.Download.Routes())
	r.Mount("/health", cfg.Health.Routes())

	if cfg.Upload != nil {
		r.Mount("/api", cfg.Upload.Routes())
	}

	r.Method(http.MethodGet, "/metrics", cfg.Telemetry.Handler())

	return r
}
