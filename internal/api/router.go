/**
 * @description
 * HTTP router for the local view server. It exposes the console state and the
 * rendered views as JSON and accepts the same commands as the CLI, so any front
 * end can drive the console. State changes are pushed over a websocket.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the view server routes.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, _ string) bool {
			return h.origins.trusted(r)
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(h.origins.guard)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Collections console is healthy"))
	})

	r.Route("/api", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		r.Get("/events", h.handleEvents)

		r.Group(func(r chi.Router) {
			// Bulk calls run for as long as the backend needs.
			r.Use(middleware.Timeout(10 * time.Minute))

			r.Get("/state", h.handleGetState)
			r.Get("/views/current", h.handleCurrentView)
			r.Get("/categories/{key}", h.handleCategory)
			r.Get("/borrowers/{id}", h.handleBorrower)

			r.Group(func(r chi.Router) {
				r.Use(middleware.AllowContentType("application/json"))
				r.Post("/login", h.handleLogin)
				r.Post("/register", h.handleRegister)
				r.Post("/logout", h.handleLogout)
				r.Post("/refresh", h.handleRefresh)
				r.Post("/reset-calls", h.handleResetCalls)
				r.Post("/trigger-calls", h.handleTriggerCalls)
				r.Post("/navigate", h.handleNavigate)
			})
			r.With(middleware.AllowContentType("multipart/form-data")).Post("/upload", h.handleUpload)
		})
	})

	return r
}
