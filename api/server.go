/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RealIP:     RemoteAddr from X-Forwarded-For / X-Real-IP
  2. hlog:       request-scoped zerolog logger, request id, access log
  3. Recoverer:  panic recovery (500 instead of crash)
  4. instrument: Prometheus latency histogram by route pattern
  5. CORS:       public tracking and ingestion routes are called from browsers

ROUTE GROUPS:
  /health, /offers, /o/*, /b/*   public reads
  /t/*, /e/*, /webhooks/*        ingestion, rate limited per route
  /app/*                         bearer JWT required
  /metrics                       Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: auth and rate-limit middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// RouterConfig holds the ambient pieces of the router.
type RouterConfig struct {
	Logger         zerolog.Logger
	AllowedOrigins []string

	// MetricsHandler serves /metrics. Nil leaves the route unmounted.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(cfg.Logger))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Idempotency-Key"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Public reads
	r.Get("/health", h.Health)
	r.Get("/offers", h.ListOffers)
	r.Get("/o/{offer_id}", h.GetOffer)
	r.Get("/b/{brand_id}", h.GetBrand)

	// Ingestion
	r.With(h.RateLimit(h.Policies.Click, byClientIP)).Get("/t/{attribution_key}", h.TrackClick)
	r.With(h.RateLimit(h.Policies.Lead, byClientIP)).Post("/e/lead", h.SubmitLead)
	r.With(h.RateLimit(h.Policies.Conversion, byClientIP)).Post("/e/conversion", h.SubmitConversion)
	r.With(h.RateLimit(h.Policies.Webhook, byBrand)).Post("/webhooks/brand/{brand_id}", h.BrandWebhook)

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	// Authenticated routes
	r.Route("/app", func(r chi.Router) {
		r.Use(h.RequireIdentity)

		r.Post("/brands", h.CreateBrand)
		r.Post("/partners", h.CreatePartner)
		r.Post("/offers", h.CreateOffer)

		r.Route("/joins", func(r chi.Router) {
			r.Post("/", h.JoinOffer)
			r.Post("/{join_id}/approve", h.ApproveJoin)
			r.Post("/{join_id}/revoke", h.RevokeJoin)
		})

		r.Post("/conversions/{conversion_id}/validate", h.ValidateConversion)

		r.Route("/partners/{partner_id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/payouts", h.ListPayouts)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
