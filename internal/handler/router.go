package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yuki402/agent/internal/middleware"
	"github.com/yuki402/agent/internal/service"
	"github.com/yuki402/agent/pkg/logger"
)

// RouterConfig holds the dependencies of the HTTP surface.
type RouterConfig struct {
	Registry       *service.Registry
	Balances       BalanceLookup
	Signer         *middleware.SessionSigner
	Checks         map[string]ReadinessCheck
	AllowedOrigins []string
	// RateLimitRequests per RateLimitWindow per session; 0 disables.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the chi router serving the agent API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	healthHandler := NewHealthHandler(cfg.Checks)
	chatHandler := NewChatHandler(cfg.Registry, log)
	cooldownHandler := NewCooldownHandler(cfg.Registry, log)
	paymentHandler := NewPaymentHandler(cfg.Registry, log)
	balanceHandler := NewBalanceHandler(cfg.Balances)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no session required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Session(cfg.Signer))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/chat", func(r chi.Router) {
			r.Post("/", chatHandler.Chat)
			r.Get("/status", chatHandler.Status)
			r.Get("/transcript", chatHandler.Transcript)
		})

		r.Get("/cooldown", cooldownHandler.Get)
		r.Get("/cooldown/stream", cooldownHandler.Stream)

		r.Route("/payments", func(r chi.Router) {
			r.Get("/pending", paymentHandler.Pending)
			r.Post("/{id}/approve", paymentHandler.Approve)
			r.Post("/{id}/reject", paymentHandler.Reject)
			r.Get("/threads", paymentHandler.ListThreads)
			r.Get("/threads/{id}", paymentHandler.GetThread)
		})

		if cfg.Balances != nil {
			r.Get("/balance/{address}", balanceHandler.Get)
		}
	})

	return r
}
