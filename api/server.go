/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (logrus)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/health, /api/policy         Service information
  /api/nomenclature, /api/resolve  CNAM rate list and device classification
  /api/bonds/*                     Bond lifecycle
  /api/patients/{id}/bonds         Bonds of a patient
  /api/rentals/*                   Rentals, payment history, lapses
  /api/payments/{id}               Payment edit and delete
  /api/sales/*                     Sales
  /api/scenarios/*                 Demo scenarios (reset the store)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins list allows every origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/policy", h.GetPolicy)
		r.Get("/resolve", h.Resolve)

		// Nomenclature routes
		r.Route("/nomenclature", func(r chi.Router) {
			r.Get("/", h.ListNomenclature)
			r.Post("/", h.ImportNomenclature)
		})

		// Bond routes
		r.Route("/bonds", func(r chi.Router) {
			r.Post("/", h.CreateBond)
			r.Get("/renewals", h.ListRenewals)
			r.Get("/{id}", h.GetBond)
			r.Put("/{id}", h.UpdateBond)
			r.Post("/{id}/step", h.SetBondStep)
			r.Post("/{id}/renew", h.RenewBond)
			r.Get("/{id}/history", h.BondHistory)
		})

		r.Get("/patients/{id}/bonds", h.ListPatientBonds)

		// Rental routes
		r.Route("/rentals", func(r chi.Router) {
			r.Post("/", h.CreateRental)
			r.Get("/{id}", h.GetRental)
			r.Get("/{id}/payments", h.ListPayments)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/payments/preview", h.PreviewPayment)
			r.Get("/{id}/lapses", h.ListLapses)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Put("/{id}", h.UpdatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one entry per request; 5xx responses log at error level.
func requestLogger(logger log.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			entry := logger.WithFields(log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Error("request failed")
				return
			}
			entry.Info("request handled")
		})
	}
}
