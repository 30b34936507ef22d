package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/venugopal1902/email-verifier/internal/pkg/httputil"
)

// RouteOptions configures SetupRoutes.
type RouteOptions struct {
	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, opts RouteOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderAccountID, HeaderUserID, HeaderRole},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health and metrics (no tenant required)
	r.Get("/healthz", h.HealthCheck)
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.withActor)

		r.Get("/account", h.GetAccount)

		r.Route("/files", func(r chi.Router) {
			r.Post("/", h.SubmitFile)
			r.Get("/{id}", h.GetProgress)
			r.Get("/{id}/results", h.GetResults)
			r.Post("/{id}/cancel", h.CancelFile)
		})

		r.Route("/suppressions", func(r chi.Router) {
			r.Get("/check", h.CheckSuppression)
			r.Post("/{category}", h.UploadSuppressions)
			r.Delete("/{category}/{email}", h.RemoveSuppression)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/shards", h.ListShards)
			r.Post("/shards", h.AddShard)
			r.Post("/shards/resume", h.ResumeRebalance)
			r.Delete("/shards/{id}", h.RemoveShard)
			r.Post("/accounts", h.OpenAccount)
			r.Post("/accounts/{id}/deposit", h.Deposit)
			r.Post("/accounts/{id}/deactivate", h.DeactivateAccount)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.NotFound(w, "not found")
	})
	return r
}
