package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/smartcart/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware киоска.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/kiosk", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/events", h.Events)

		r.Post("/session", h.StartSession)
		r.Delete("/session", h.EndSession)
		r.Post("/session/reset", h.ResetCart)

		r.Post("/cart/items", h.ScanUPC)
		r.Delete("/cart/items/{upc}", h.RemoveItem)

		r.Post("/weigh", h.Weigh)
		r.Delete("/weigh", h.CancelWeigh)

		r.Post("/checkout", h.Checkout)
		r.Post("/payment", h.StartPayment)
		r.Delete("/payment", h.CancelPayment)

		r.Post("/receipt", h.SendReceipt)
		r.Post("/finish", h.FinishPurchase)

		r.Post("/help", h.RequestHelp)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/cart/clear", h.ClearCart)
			r.Post("/verification/resolve", h.ResolveAll)
			r.Post("/verification/override", h.OverrideVerification)

			r.Post("/tare/produce", h.TareProduce)
			r.Post("/tare/cart", h.TareCart)
			r.Post("/measure/cart", h.MeasureCart)

			r.Get("/sessions/{id}", h.GetSessionHistory)
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
