package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/code", func(r chi.Router) {
		r.Post("/execute", h.Execute)
		r.Post("/review", h.Review)
		r.Get("/requests", h.ListRequests)
		r.Get("/status/{requestId}", func(w http.ResponseWriter, r *http.Request) {
			h.Status(w, r, chi.URLParam(r, "requestId"))
		})
	})

	return r
}
