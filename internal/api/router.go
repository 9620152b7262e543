// Package api is the messenger's HTTP surface: the page WebSocket upgrade,
// health and metrics, and the small JSON API the page uses before its
// WebSocket is up.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", h.Health)
	r.Handle("/metrics", h.metrics)

	// The upgrade authenticates itself; browsers cannot set headers on it.
	r.Get("/ws", h.upgrade)

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(h.RequireIdentity)
		r.Get("/session", h.ChatSession)
		r.Get("/counterparts", h.Counterparts)
	})

	return r
}
