// Package httpapi assembles the chi router for the job orchestration
// surface, following the shape of rezkam-mono/internal/http/router.go.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vidforge/orchestrator/internal/httpapi/handler"
	mw "github.com/vidforge/orchestrator/internal/httpapi/middleware"
	"github.com/vidforge/orchestrator/internal/httpapi/openapi"
)

// DefaultMaxBodyBytes is the default maximum request body size (1MB).
const DefaultMaxBodyBytes = 1 << 20

// Config holds configuration for the HTTP router.
type Config struct {
	MaxBodyBytes   int64
	APIKey         string
	AllowedOrigins []string
}

// NewRouter creates and configures the chi router with all middleware
// and routes. Applies defaults for zero or invalid config values.
func NewRouter(server *handler.Server, config Config) *chi.Mux {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	r.Use(mw.MaxBodyBytes(config.MaxBodyBytes))

	// Liveness probe: no auth, no validation.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			slog.ErrorContext(r.Context(), "failed to write health check response", "error", err)
		}
	})

	spec, err := openapi.Load()
	if err != nil {
		// Validation is defense in depth, not a correctness requirement;
		// continue serving without it rather than refuse to boot.
		slog.Error("failed to load OpenAPI spec for request validation", "error", err)
	}

	var validatorMw func(http.Handler) http.Handler
	if spec != nil {
		validatorMw = mw.NewValidator(spec, mw.ValidationConfig{MultiError: true})
	}

	r.Route("/api", func(r chi.Router) {
		if validatorMw != nil {
			r.Use(validatorMw)
		}
		r.Use(mw.NewAuth(config.APIKey).Validate)

		r.Post("/jobs/{operation}", server.SubmitJob)
		r.Get("/jobs/{id}", server.GetJob)
		r.Post("/jobs/{id}/cancel", server.CancelJob)
		r.Get("/queue/stats", server.QueueStats)

		r.Post("/admin/recover-workers", server.RecoverWorkers)
		r.Get("/admin/workers/status", server.WorkersStatus)
		r.Get("/admin/dlq", server.ListDeadLetters)
		r.Post("/admin/dlq/{id}/retry", server.RetryDeadLetter)
		r.Post("/admin/dlq/{id}/discard", server.DiscardDeadLetter)
	})

	return r
}
