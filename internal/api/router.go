/**
 * @description
 * This file sets up the HTTP router for the ledger service, wiring endpoints to handlers and
 * applying middleware for logging, recovery, CORS, authentication and rate limiting.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/ledger-service/internal/app"
)

// RouterConfig carries the middleware dependencies of the router.
type RouterConfig struct {
	Auth               func(http.Handler) http.Handler
	RateLimit          func(http.Handler) http.Handler
	CORSAllowedOrigins []string
	HealthCheck        func(r *http.Request) error
}

// Routes creates and returns the router for the ledger service.
func Routes(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.HealthCheck != nil {
			if err := cfg.HealthCheck(r); err != nil {
				h.logger.Error("health check failed", "component", "api", "error", err)
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "Service unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	rateLimit := cfg.RateLimit
	if rateLimit == nil {
		rateLimit = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)

		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{id}", h.GetAccountHandler)
		r.Get("/transfers/{id}", h.TransferStatusHandler)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit)

			r.Post("/accounts", h.OpenAccountHandler)
			r.Delete("/accounts/{id}", h.CloseAccountHandler)
			r.Post("/accounts/{id}/deposit", h.DepositHandler)
			r.Post("/accounts/{id}/withdraw", h.WithdrawHandler)
			r.Post("/transfers", h.TransferHandler)

			r.Group(func(r chi.Router) {
				r.Use(RequireAuthority(app.AuthorityReviewer))
				r.Post("/transfers/{id}/approve", h.ApproveTransferHandler)
				r.Post("/transfers/{id}/reject", h.RejectTransferHandler)
			})
		})
	})

	return r
}
