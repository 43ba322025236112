package cli

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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/handler"
	"github.com/chatshell/chat-shell/internal/llm"
	"github.com/chatshell/chat-shell/internal/middleware"
	"github.com/chatshell/chat-shell/internal/service"
	"github.com/chatshell/chat-shell/internal/storage"
	"github.com/chatshell/chat-shell/internal/streaming"
	"github.com/chatshell/chat-shell/internal/tools"
	"github.com/chatshell/chat-shell/pkg/logger"
	"github.com/chatshell/chat-shell/pkg/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	Long: `Start the HTTP API server. Chat turns stream over SSE; disconnected
clients reattach with from_offset to resume where they left off.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-shell", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	store, err := storage.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	llmClient, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	registry := streaming.NewRegistry(cfg.StreamRetention, log)
	core := streaming.NewCore(registry, streaming.Config{
		BufferCapacity: cfg.StreamBufferCapacity,
		ClientQueue:    cfg.StreamClientQueue,
	}, log)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go registry.Sweep(sweepCtx, cfg.StreamSweepInterval)

	chatSvc := service.NewChatService(core, store, llmClient, tools.DefaultRegistry(), cfg, log)

	healthHandler := handler.NewHealthHandler(chatSvc, version)
	chatHandler := handler.NewChatHandler(chatSvc, cfg.StreamClientIdleTimeout, log)
	historyHandler := handler.NewHistoryHandler(chatSvc, log)

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

		r.Route("/response", func(r chi.Router) {
			r.Post("/", chatHandler.Create)
			r.Get("/{subtask_id}", chatHandler.Status)
			r.Get("/{subtask_id}/stream", chatHandler.Attach)
			r.Delete("/{subtask_id}", chatHandler.Cancel)
		})

		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/history", historyHandler.Get)
			r.Delete("/history", historyHandler.Clear)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultProvider)
	switch provider {
	case llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		// Fall back to whichever provider has a key configured.
		switch {
		case cfg.OpenAIAPIKey != "":
			provider = llm.ProviderOpenAI
		case cfg.AnthropicAPIKey != "":
			provider = llm.ProviderAnthropic
		default:
			return nil, fmt.Errorf("no LLM API key configured")
		}
	}

	apiKey := cfg.OpenAIAPIKey
	if provider == llm.ProviderAnthropic {
		apiKey = cfg.AnthropicAPIKey
	}
	return llm.NewClient(provider, apiKey, cfg.OpenAIBaseURL)
}
