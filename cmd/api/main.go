// Package main is the entry point for the API server.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-assistant/internal/config"
	"github.com/capitalize-ai/chat-assistant/internal/handler"
	"github.com/capitalize-ai/chat-assistant/internal/llm"
	"github.com/capitalize-ai/chat-assistant/internal/middleware"
	natsclient "github.com/capitalize-ai/chat-assistant/internal/nats"
	"github.com/capitalize-ai/chat-assistant/internal/orchestrator"
	"github.com/capitalize-ai/chat-assistant/internal/quota"
	"github.com/capitalize-ai/chat-assistant/internal/service"
	"github.com/capitalize-ai/chat-assistant/internal/title"
	"github.com/capitalize-ai/chat-assistant/pkg/logger"
	"github.com/capitalize-ai/chat-assistant/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server", zap.String("store", cfg.StoreBackend))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-assistant", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Storage
	var (
		natsClient *natsclient.Client
		store      orchestrator.Store
		quotaStore quota.Store
	)
	switch cfg.StoreBackend {
	case "nats":
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
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

		convStore, err := natsclient.NewConversationStore(ctx, natsClient, log)
		if err != nil {
			log.Fatal("failed to initialize conversation store", zap.Error(err))
		}
		qs, err := natsclient.NewQuotaStore(ctx, natsClient)
		if err != nil {
			log.Fatal("failed to initialize quota store", zap.Error(err))
		}
		store, quotaStore = convStore, qs
	default:
		store = service.NewConversationService(log)
		quotaStore = quota.NewMemoryStore()
	}

	// Initialize LLM client
	apiKey := cfg.AnthropicAPIKey
	if llm.Provider(cfg.DefaultLLM) == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), apiKey)
	if err != nil {
		log.Fatal("failed to create LLM client", zap.Error(err))
	}

	titleModel := cfg.TitleModel
	if titleModel == "" {
		titleModel = cfg.DefaultModel
	}

	sessions := service.NewSessionManager(service.SessionConfig{
		Store:                 store,
		Streamer:              llm.NewStreamer(llmClient, cfg.MaxTokens, log),
		Titles:                title.NewGenerator(llmClient, titleModel),
		QuotaStore:            quotaStore,
		AnonDailyLimit:        cfg.AnonDailyLimit,
		QuotaResetHour:        cfg.QuotaResetHour,
		CacheMaxConversations: cfg.CacheMaxConversations,
		DefaultModel:          cfg.DefaultModel,
		CompletionTimeout:     cfg.CompletionTimeout,
		Logger:                log,
	})

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go pruneSessions(pruneCtx, sessions, cfg.SessionIdleTimeout, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	chatHandler := handler.NewChatHandler(sessions, log)
	conversationHandler := handler.NewConversationHandler(sessions, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(nil))

	// Health endpoints (no identity required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identify(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/quota", chatHandler.Quota)

		r.Route("/chat", func(r chi.Router) {
			r.Get("/", chatHandler.State)
			r.Post("/", chatHandler.Send)
			r.Post("/regenerate", chatHandler.Regenerate)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/new", conversationHandler.New)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/open", conversationHandler.Open)
				r.With(middleware.RequireAuth).Delete("/", conversationHandler.Delete)
			})
		})
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
			log.Fatal("server error", zap.Error(err))
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

	// Let detached title generation land in the store before disconnecting.
	sessions.Wait()

	log.Info("server stopped")
}

func pruneSessions(ctx context.Context, sessions *service.SessionManager, maxIdle time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(maxIdle / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Prune(maxIdle); n > 0 {
				log.Debug("pruned idle sessions", zap.Int("pruned", n), zap.Int("remaining", sessions.Len()))
			}
		}
	}
}
