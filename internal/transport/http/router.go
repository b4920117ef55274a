package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"erigate/internal/platform/middleware"
)

// NewRouter wires the inbound API: a public health and metrics surface, the
// token exchange, and the bearer-protected filing workflow.
func NewRouter(filings *FilingHandler, auth *AuthHandler, validator middleware.TokenValidator, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/token", auth.handleToken)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(validator, logger))
		filings.Register(r)
	})

	return r
}
