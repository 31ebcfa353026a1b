package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/catering-system/internal/middleware"
	"github.com/mmeshcher/catering-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Шлюз аутентифицируется токеном платежа, а не cookie.
		r.Post("/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/orders", func(r chi.Router) {
				r.Post("/checkout", h.Checkout)
				r.Get("/{number}", h.GetOrder)
				r.Post("/{number}/cancel", h.CancelOrder)

				r.With(custommiddleware.RequireRole(model.RoleKitchen, model.RoleAdmin)).
					Post("/{number}/status", h.UpdateStatus)
			})

			r.Get("/wallet/balance", h.GetBalance)
			r.Post("/wallet/topup", h.TopUp)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
