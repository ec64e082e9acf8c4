// Package app assembles the HTTP router and readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/flowpipe/internal/adapter/httpserver"
	"github.com/fairyhunter13/flowpipe/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.SecurityHeaders)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/v1/pipelines", srv.ExecuteHandler())
	r.Get("/v1/pipelines/{id}", srv.GetPipelineHandler())
	r.Get("/v1/pipelines/{id}/stages", srv.ListStagesHandler())
	r.Get("/v1/pipelines/{id}/context", srv.GetContextHandler())
	r.Post("/v1/pipelines/{id}/cancel", srv.CancelHandler())

	r.Get("/v1/approvals", srv.ListApprovalsHandler())
	r.Get("/v1/approvals/{id}", srv.GetApprovalHandler())
	r.Post("/v1/approvals/{id}/decision", srv.DecideApprovalHandler())

	r.Get("/v1/dead-letters/{queue}", srv.ListDeadLettersHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return r
}
