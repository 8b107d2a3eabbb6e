package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter registers the provider webhooks and the admin API.
func NewRouter(h *Handler, adminSecret []byte) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.handleHealth)

	r.Post("/webhooks/{provider}", h.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminSecret))
		r.Post("/reconcile", h.handleReconcile)
		r.Get("/users/{id}/drift", h.handleDrift)
		r.Post("/users/{id}/push", h.handlePush)
		r.Post("/users/{id}/grant", h.handleGrant)
		r.Post("/users/{id}/expiry", h.handleSetExpiry)
		r.Post("/users/{id}/ban", h.handleBan(true))
		r.Post("/users/{id}/unban", h.handleBan(false))
		r.Post("/promo-codes", h.handleCreatePromo)
	})

	return r
}
