/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client address behind the load balancer
  3. RequestLogger: One zap line per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Admin console origins

ROUTE GROUPS:
  /healthz                  Liveness, no auth
  /api/callbacks/*          Worker callbacks, HMAC signed, no bearer token
  /api/webhooks/*           Payment provider webhooks, HMAC signed
  /api/*                    Service token (admin token also accepted)
  /api/admin/*              Admin token only
  /api/dev/*                Demo scenarios, admin token, dev mode only

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Auth and request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Tokens      Tokens
	CORSOrigins []string
	// DevRoutes mounts the demo scenario loaders.
	DevRoutes bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	logger := h.Logger

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Signed by a shared secret instead of a bearer token
		r.Post("/callbacks/jobs", h.JobCallback)
		r.Post("/webhooks/purchases", h.PurchaseWebhook)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Tokens, logger))

			// Wallet routes
			r.Route("/wallets/{userID}", func(r chi.Router) {
				r.Post("/", h.ProvisionWallet)
				r.Get("/", h.GetWallet)
				r.Get("/entries", h.ListEntries)
				r.Get("/events", h.ListEvents)
				r.Post("/mutations", h.ApplyMutation)
			})

			// Event routes
			r.Post("/events", h.RecordEvent)
			r.Post("/referral-codes", h.RegisterReferralCode)

			// Job routes
			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.DispatchJob)
				r.Get("/{id}", h.GetJob)
				r.Post("/{id}/start", h.StartJob)
				r.Post("/{id}/cancel", h.CancelJob)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(logger))
				r.Get("/audit", h.RunAudit)
				r.Get("/audit/latest", h.LatestAudit)
				r.Post("/wallets/{userID}/adjustments", h.CreateAdjustment)
				r.Post("/wallets/{userID}/subscription-cycle", h.ResetSubscriptionCycle)
				r.Delete("/wallets/{userID}", h.CloseWallet)
			})

			if opts.DevRoutes {
				r.Route("/dev/scenarios", func(r chi.Router) {
					r.Use(RequireAdmin(logger))
					r.Get("/", h.ListScenarios)
					r.Post("/load", h.LoadScenario)
				})
			}
		})
	})

	return r
}
