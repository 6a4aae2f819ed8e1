/**
 * @description
 * This file sets up the HTTP router for the payment-service using chi. It wires the
 * three route groups: the public webhook endpoint, JWT-protected payer/payee routes,
 * and the internal service-to-service route guarded by a shared key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: The HTTP router.
 * - internal/config: Auth configuration for the middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskorilla/payment-service/internal/config"
)

// NewRouter creates and configures the service router.
func NewRouter(handlers *PaymentHandlers, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Provider deliveries authenticate via signature, not JWT.
	r.Post("/payments/webhook", handlers.WebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.ClerkJWKSURL))

		r.Post("/payments/checkout-sessions", handlers.CreateCheckoutSessionHandler)
		r.Get("/payments/checkout-sessions/{sessionID}", handlers.GetCheckoutSessionHandler)

		r.Route("/payments/account", func(r chi.Router) {
			r.Post("/", handlers.EnsureConnectedAccountHandler)
			r.Get("/onboarding-status", handlers.MyOnboardingStatusHandler)
			r.Post("/onboarding-link", handlers.CreateOnboardingLinkHandler)
			r.Post("/login-link", handlers.CreateLoginLinkHandler)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Get("/internal/payees/{payeeID}/onboarding-status", handlers.GetOnboardingStatusHandler)
	})

	return r
}
