package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/forgeflow/process-engine/internal/api/handlers"
	"github.com/forgeflow/process-engine/internal/api/middleware"
	"github.com/forgeflow/process-engine/internal/config"
	"github.com/forgeflow/process-engine/internal/eventbus"
	"github.com/forgeflow/process-engine/internal/telemetry"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter builds the HTTP router with all process engine routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, live *eventbus.LiveStreamPublisher) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	// Auth/authz is out of scope (spec.md §1); this is a pass-through slot
	// so a deployment that needs it can insert one without touching routing.

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/processes", func(r chi.Router) {
			r.Get("/", h.ListDefinitions)
			r.Post("/", h.CreateDefinition)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetDefinition)
				r.Put("/", h.UpdateDefinition)
				r.Post("/publish", h.PublishDefinition)
				r.Post("/archive", h.ArchiveDefinition)
				r.Post("/versions", h.NewDefinitionVersion)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Post("/", h.StartExecution)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Post("/cancel", h.CancelExecution)
				r.Post("/retry", h.RetryExecution)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetApproval)
				r.Post("/decide", h.DecideApproval)
			})
		})
	})

	// Live event stream — a WebSocket upgrade backed by the eventbus hub.
	r.Get("/events/stream", live.ServeHTTP)

	return r
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("PROCESS_ENGINE_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "process-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "process-engine",
		})
	}
}
