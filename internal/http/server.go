package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, adminSecret string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"watchers": handler.Payments.ActiveWatchers(),
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/plans", handler.Plans)
		r.Post("/orders", handler.CreateOrder)
		r.Get("/orders/{orderId}", handler.GetOrder)
		r.Get("/orders/{orderId}/qr", handler.OrderQR)
		r.Get("/orders/{orderId}/events", handler.OrderEvents)
		r.Post("/orders/{orderId}/cancel", handler.CancelOrder)
		r.Post("/orders/{orderId}/refund", handler.RequestRefund)
		r.Get("/users/{userId}/orders", handler.ListUserOrders)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth(adminSecret))
		r.Get("/orders", handler.AdminListOrders)
		r.Get("/stats", handler.AdminStats)
		r.Get("/refunds", handler.AdminPendingRefunds)
		r.Post("/orders/{orderId}/refund/confirm", handler.AdminConfirmRefund)
		r.Get("/tx/{hash}", handler.AdminVerifyTx)
		r.Post("/cleanup", handler.AdminCleanup)
		r.Get("/export", handler.AdminExport)
	})

	return &Server{Router: r}
}
