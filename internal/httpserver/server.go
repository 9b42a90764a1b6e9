// Package httpserver wires the HTTP surface: job submission and polling,
// balance and checkout, the gateway webhook, and the admin endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pagecraft/server/internal/apikey"
	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/gateway"
	"github.com/pagecraft/server/internal/identity"
	"github.com/pagecraft/server/internal/idempotency"
	"github.com/pagecraft/server/internal/jobs"
	"github.com/pagecraft/server/internal/ledger"
	"github.com/pagecraft/server/internal/logger"
	"github.com/pagecraft/server/internal/metrics"
	"github.com/pagecraft/server/internal/quota"
	"github.com/pagecraft/server/internal/ratelimit"
	"github.com/pagecraft/server/internal/settlement"
	"github.com/pagecraft/server/internal/storage"
	"github.com/pagecraft/server/internal/versioning"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Config      *config.Config
	Store       storage.Store
	Ledger      *ledger.Service
	Idempotency *idempotency.Store
	Quota       quota.Counter
	Jobs        *jobs.Service
	Checkout    *gateway.CheckoutService
	Gateway     *gateway.Client
	Settlement  *settlement.Processor
	Reconciler  *settlement.Reconciler
	Auth        identity.Authenticator
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

type handlers struct {
	cfg         *config.Config
	store       storage.Store
	ledger      *ledger.Service
	idempotency *idempotency.Store
	quota       quota.Counter
	jobs        *jobs.Service
	checkout    *gateway.CheckoutService
	gateway     *gateway.Client
	settlement  *settlement.Processor
	reconciler  *settlement.Reconciler
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(deps Dependencies) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(deps),
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)
	return s
}

func newHandlers(deps Dependencies) handlers {
	return handlers{
		cfg:         deps.Config,
		store:       deps.Store,
		ledger:      deps.Ledger,
		idempotency: deps.Idempotency,
		quota:       deps.Quota,
		jobs:        deps.Jobs,
		checkout:    deps.Checkout,
		gateway:     deps.Gateway,
		settlement:  deps.Settlement,
		reconciler:  deps.Reconciler,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
}

// ConfigureRouter attaches all routes to an existing router.
func ConfigureRouter(router chi.Router, deps Dependencies) {
	if router == nil {
		return
	}
	handler := newHandlers(deps)
	cfg := deps.Config

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Use(versioning.Negotiation)
	router.Use(identity.Middleware(deps.Auth))
	router.Use(ratelimit.IPLimiter(cfg.RateLimit, deps.Metrics))

	// Health and metrics stay cheap: short timeout, no per-owner limiting.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.With(apikey.Require(cfg.Admin.APIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Client API.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.OwnerLimiter(cfg.RateLimit, deps.Metrics))

		r.Post("/v1/jobs", handler.submitJob)
		r.Get("/v1/results/{resultID}", handler.pollResult)
		r.Get("/v1/balance", handler.getBalance)
		r.Get("/v1/plans", handler.listPlans)
		r.Post("/v1/checkout", handler.createCheckout)
		r.Post("/v1/account/claim", handler.claimAccount)
	})

	// Gateway webhook: unversioned, stable URL, no owner limiting.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/webhook/stripe", handler.handleGatewayWebhook)
	})

	// Admin surface.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(apikey.Require(cfg.Admin.APIKey))

		r.Post("/admin/reconcile", handler.adminReconcile)
		r.Get("/admin/webhook-events/{eventID}", handler.adminWebhookEvent)
		r.Post("/admin/accounts/status", handler.adminSetAccountStatus)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
