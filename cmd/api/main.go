// Package main is the entry point for the agent API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/balance"
	"github.com/yuki402/agent/internal/config"
	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/handler"
	"github.com/yuki402/agent/internal/llm"
	"github.com/yuki402/agent/internal/middleware"
	natsclient "github.com/yuki402/agent/internal/nats"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/internal/service"
	"github.com/yuki402/agent/internal/store"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/tracing"
)

func main() {
	if err := config.LoadDotEnv(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.IsDevelopmentSecret() {
		log.Warn("using the development session secret; set SESSION_SECRET in production")
	}

	log.Info("starting API server", zap.String("llm_provider", cfg.LLMProvider))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "yuki402-agent", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	checks := map[string]handler.ReadinessCheck{}

	// Persistence: SQLite when configured, memory otherwise
	var (
		cooldownStore cooldown.Store = cooldown.NewMemoryStore()
		ledger        payment.Ledger = payment.NewMemoryLedger()
	)
	if cfg.DBPath != "" {
		db, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			log.Fatal("failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
		}
		defer db.Close()
		cooldownStore, ledger = db, db
		checks["database"] = db.Ping
		log.Info("using SQLite store", zap.String("path", cfg.DBPath))
	} else {
		log.Warn("DB_PATH not set; cooldowns and payment threads are kept in memory")
	}

	// Optional NATS mirror
	var publisher service.Publisher
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher = streamManager
		checks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}

	// Initialize LLM client
	provider, err := llm.NewClient(llm.Provider(cfg.LLMProvider), llm.Options{
		APIKey:  cfg.APIKey(),
		BaseURL: providerBaseURL(cfg),
		Referer: cfg.OpenRouterReferer,
		Title:   cfg.OpenRouterTitle,
		Timeout: cfg.ChatMaxDuration + 10*time.Second,
	})
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}
	llmClient := llm.NewBreakerClient(provider, llm.BreakerConfig{
		MaxFailures: uint32(cfg.LLMBreakerFails),
	}, log)

	// Payment submission
	var submitter payment.Submitter = payment.Unconfigured{}
	if cfg.PaymentSignerURL != "" {
		submitter, err = payment.NewHTTPSubmitter(payment.HTTPSubmitterConfig{
			URL:   cfg.PaymentSignerURL,
			Token: cfg.PaymentSignerToken,
		}, log)
		if err != nil {
			log.Fatal("failed to create payment submitter", zap.Error(err))
		}
	} else {
		log.Warn("PAYMENT_SIGNER_URL not set; approved payments will fail")
	}

	generation := service.DefaultGenerationOptions()
	if cfg.LLMModel != "" {
		generation.Model = cfg.LLMModel
	}
	generation.SystemPrompt = cfg.SystemPrompt
	generation.Temperature = cfg.LLMTemperature
	generation.MaxOutputTokens = cfg.LLMMaxTokens
	generation.MaxDuration = cfg.ChatMaxDuration

	registry, err := service.NewRegistry(service.RegistryConfig{
		LLM:            llmClient,
		Generation:     generation,
		CooldownStore:  cooldownStore,
		CooldownWindow: cfg.CooldownWindow,
		CooldownTick:   cfg.CooldownTick,
		Submitter:      submitter,
		Ledger:         ledger,
		SubmitTimeout:  cfg.PaymentTimeout,
		Publisher:      publisher,
		IdleTTL:        cfg.SessionTTL,
		Logger:         log,
	})
	if err != nil {
		log.Fatal("failed to create session registry", zap.Error(err))
	}
	defer registry.Close()
	go registry.Run(ctx)

	rpc := balance.NewRPCClient(cfg.SolanaRPCEndpoint, &http.Client{Timeout: 10 * time.Second})
	balances := balance.NewService(rpc, cfg.TokenMint, cfg.TokenSymbol, log)

	signer, err := middleware.NewSessionSigner(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		log.Fatal("failed to create session signer", zap.Error(err))
	}

	router := handler.NewRouter(handler.RouterConfig{
		Registry:          registry,
		Balances:          balances,
		Signer:            signer,
		Checks:            checks,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Create HTTP server; the write timeout must outlive the longest turn
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// providerBaseURL returns the base URL override for the configured provider.
func providerBaseURL(cfg *config.Config) string {
	if cfg.LLMProvider == string(llm.ProviderOpenRouter) {
		return cfg.OpenRouterBaseURL
	}
	return ""
}
