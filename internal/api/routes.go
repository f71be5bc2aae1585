package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the router. The two tick endpoints sit behind the cron
// token; the rest of /api is the operator surface for internal dashboards.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/emails", h.EnqueueEmail)

		r.Group(func(r chi.Router) {
			r.Use(h.cronAuth)
			r.Post("/queue/process", h.ProcessQueue)
			r.Post("/monitor/health", h.MonitorHealth)
		})

		r.Get("/queue/stats", h.QueueStats)
		r.Get("/providers/health", h.ProvidersHealth)
		r.Get("/providers/health/{provider}/history", h.ProviderHistory)
		r.Get("/quota", h.QuotaSnapshot)

		r.Get("/dlq", h.ListDLQ)
		r.Post("/dlq/{id}/requeue", h.RequeueDLQ)

		r.Get("/suppression", h.ListSuppression)
		r.Post("/suppression", h.AddSuppression)
		r.Delete("/suppression/{email}", h.RemoveSuppression)
	})

	return r
}
