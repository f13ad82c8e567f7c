package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all routes. The unsubscribe endpoint lives outside
// /api because email clients hit it with no session.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)

	// Mail clients may use either verb; List-Unsubscribe-Post one-click
	// unsubscribes arrive as POST.
	r.Get("/notifications-unsubscribe", h.HandleUnsubscribe)
	r.Post("/notifications-unsubscribe", h.HandleUnsubscribe)

	r.Route("/api", func(r chi.Router) {
		r.Route("/docs/{docID}/notifications-config", func(r chi.Router) {
			r.Get("/", h.HandleGetNotificationsConfig)
			r.Post("/", h.HandleSetNotificationsConfig)
		})
	})

	return r
}
