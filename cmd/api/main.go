// Package main is the entry point for the orchestration engine API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/botdesk/messaging-engine/internal/config"
	"github.com/botdesk/messaging-engine/internal/events"
	"github.com/botdesk/messaging-engine/internal/handler"
	"github.com/botdesk/messaging-engine/internal/middleware"
	natsclient "github.com/botdesk/messaging-engine/internal/nats"
	"github.com/botdesk/messaging-engine/internal/provider"
	"github.com/botdesk/messaging-engine/internal/router"
	"github.com/botdesk/messaging-engine/internal/safety"
	"github.com/botdesk/messaging-engine/internal/session"
	"github.com/botdesk/messaging-engine/internal/transport"
	"github.com/botdesk/messaging-engine/pkg/logger"
	"github.com/botdesk/messaging-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var log *logger.Logger
	var err error
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting orchestration engine")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer nc.Close()

	// Ensure the durable outbox stream exists
	outbox := natsclient.NewOutbox(nc)
	if err := outbox.EnsureStream(ctx); err != nil {
		log.Error("failed to ensure outbox stream", zap.Error(err))
		os.Exit(1)
	}

	// Realtime fanout
	bus := events.NewBus(log)

	// AI provider pool, highest priority first
	pool := provider.NewPool(provider.PoolConfig{
		CallTimeout:      cfg.ProviderTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		CooldownCeiling:  cfg.BreakerCooldownMax,
	}, log)
	if cfg.AnthropicAPIKey != "" {
		client, err := provider.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("failed to create Anthropic client", zap.Error(err))
		} else {
			pool.Register(client.Name(), 0, client)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		client, err := provider.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("failed to create OpenAI client", zap.Error(err))
		} else {
			pool.Register(client.Name(), 1, client)
		}
	}

	// Safety policy
	guard := safety.NewGuard(safety.Config{
		SendsPerMinute: cfg.SendsPerMinute,
		SendsPerDay:    cfg.SendsPerDay,
		SoftRatio:      0.8,
		BurstThreshold: cfg.BurstThreshold,
		BurstWindow:    cfg.BurstWindow,
		RiskDecayAfter: cfg.RiskDecayAfter,
	}, outbox, bus, log)

	// Channel transport. The loopback stands in until a real channel client
	// library is wired up.
	tp := transport.NewLoopback()

	// Session manager and conversation router
	sessions := session.NewManager(session.Config{
		SendRetries:      cfg.SendRetries,
		SendBackoff:      cfg.SendBackoff,
		SendBackoffMax:   cfg.SendBackoffMax,
		ReconnectBackoff: cfg.ReconnectBackoff,
		ReconnectMax:     cfg.ReconnectMax,
		ReconnectTries:   cfg.ReconnectTries,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, tp, guard, bus, outbox, log)
	defer sessions.Shutdown()

	conversations := router.New(pool, sessions, outbox, bus, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(nc)
	accountHandler := handler.NewAccountHandler(sessions, log)
	conversationHandler := handler.NewConversationHandler(conversations, outbox, log)
	inboundHandler := handler.NewInboundHandler(conversations, sessions, log)
	providerHandler := handler.NewProviderHandler(pool, log)
	streamHandler := handler.NewStreamHandler(bus, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Accounts
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", accountHandler.Create)
			r.Get("/", accountHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", accountHandler.Get)
				r.Delete("/", accountHandler.Delete)
				r.Post("/connect", accountHandler.Connect)
				r.Post("/disconnect", accountHandler.Disconnect)
			})
		})

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", conversationHandler.Messages)
				r.Post("/messages", conversationHandler.Send)
				r.Post("/escalate", conversationHandler.Escalate)
				r.Post("/close", conversationHandler.Close)
				r.Post("/reopen", conversationHandler.Reopen)
			})
		})

		// Inbound webhook from the channel client library
		r.Post("/inbound", inboundHandler.Receive)

		// Provider administration
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", providerHandler.List)
			r.Post("/{id}/enable", providerHandler.Enable)
			r.Post("/{id}/disable", providerHandler.Disable)
		})

		// Realtime gateway
		r.Get("/stream", streamHandler.Stream)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
