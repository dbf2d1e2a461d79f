/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the dashboard

ROUTE GROUPS:
  /api/sales/*          Checkout callback
  /api/wallets/*        Wallets, history, payout requests
  /api/payouts/*        Approval queue
  /api/affiliates/*     Affiliate conversions
  /api/conversions/*    Conversion settlement
  /api/courses/*        Catalog updates
  /api/admin/*          Admin operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sales", h.DistributeSale)

		r.Route("/wallets/{owner}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/reconcile", h.ReconcileWallet)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/payouts", h.RequestPayout)
			r.Get("/payouts", h.ListPayouts)
		})

		r.Route("/payouts", func(r chi.Router) {
			r.Get("/pending", h.ListPendingPayouts)
			r.Get("/{id}", h.GetPayout)
			r.Post("/{id}/approve", h.ApprovePayout)
			r.Post("/{id}/reject", h.RejectPayout)
		})

		r.Get("/affiliates/{owner}/conversions", h.ListConversions)
		r.Post("/conversions/{id}/paid", h.MarkConversionPaid)
		r.Put("/courses/{id}", h.PutCourse)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconcile", h.ReconcileAll)
		})
	})

	return r
}
