package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mobtestlab/devicepilot/pkg/config"
)

// SetupRouter initializes the Chi router and defines the API endpoints.
func SetupRouter(api *API, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// Permissive CORS so the dashboard can be served from anywhere during
	// development; restrict AllowedOrigins for production.
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(corsMiddleware.Handler)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(StructuredRequestLogger(api.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Basic health check endpoint
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Local jobs
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", api.HandleStartLocalJob) // Start a local test run
			r.Get("/", api.HandleGetJobs)        // List active jobs
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", api.HandleGetJob)         // Job status (active or completed)
				r.Post("/rerun", api.HandleRerunJob) // Re-submit a completed job's config
			})
		})

		// Remote runs
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", api.HandleStartRemoteRun)      // Schedule a remote run
			r.Get("/{runRef}", api.HandleGetRemoteRun) // Run status from the remote service
		})

		// History
		r.Route("/history", func(r chi.Router) {
			r.Get("/", api.HandleGetHistory)      // Completed runs, newest first
			r.Get("/sync", api.HandleSyncHistory) // Merge remote run list into history
		})

		// Reports
		r.Get("/reports/{runRef}", api.HandleResolveReport)
	})

	return r
}
