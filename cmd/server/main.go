// Ad Studio - session lifecycle and agent handoff server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/adstudio/internal/api"
	"github.com/ashureev/adstudio/internal/budget"
	"github.com/ashureev/adstudio/internal/config"
	"github.com/ashureev/adstudio/internal/coordinator"
	"github.com/ashureev/adstudio/internal/generation"
	"github.com/ashureev/adstudio/internal/handoff"
	"github.com/ashureev/adstudio/internal/identity"
	"github.com/ashureev/adstudio/internal/janitor"
	"github.com/ashureev/adstudio/internal/middleware"
	"github.com/ashureev/adstudio/internal/ratelimit"
	"github.com/ashureev/adstudio/internal/store"
	"github.com/ashureev/adstudio/internal/stream"
	"github.com/ashureev/adstudio/internal/topic"
)

// sessionCreatesPerMinute bounds how many sessions one client may open.
const sessionCreatesPerMinute = 10

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"store", cfg.StoreDriver, "generation", cfg.GenerationBackend)

	// Initialize dependencies.
	repo, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	backend, err := openBackend(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize generation backend", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			slog.Error("Failed to close generation backend", "error", closeErr)
		}
	}()

	catalog := topic.DefaultCatalog()
	if cfg.TopicCatalogPath != "" {
		catalog, err = topic.LoadCatalog(cfg.TopicCatalogPath)
		if err != nil {
			slog.Error("Failed to load topic catalog", "path", cfg.TopicCatalogPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Topic catalog loaded", "path", cfg.TopicCatalogPath)
	}

	// Initialize services.
	coord, err := coordinator.New(coordinator.Deps{
		Repo:    repo,
		Backend: generation.WithLogging(backend, logger),
		Pricing: generation.Pricing{InputPer1K: cfg.PriceInputPer1K, OutputPer1K: cfg.PriceOutputPer1K},
		Guard:   budget.NewGuard(cfg.BudgetWarningFraction, logger),
		Tracker: topic.NewTracker(catalog),
		Evaluator: handoff.NewEvaluator(handoff.Thresholds{
			MinCompletionRatio: cfg.HandoffMinCompletionRatio,
			MinConfidence:      cfg.HandoffMinConfidence,
			WarnConfidence:     cfg.HandoffWarnConfidence,
		}),
		Logger: logger,
	}, coordinatorConfig(cfg))
	if err != nil {
		slog.Error("Failed to initialize coordinator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewLimiter(sessionCreatesPerMinute, time.Minute)
	go limiter.Run(ctx)

	registry := stream.NewRegistry()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(coord, coord.Backend())
	sessionHandler := api.NewSessionHandler(coord, limiter, logger)
	var originPatterns []string
	if cfg.IsDevelopment() {
		originPatterns = []string{"*"}
	}
	streamHandler := stream.NewHandler(coord, registry, originPatterns, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Create server. Turns wait on generation, so writes get the generation
	// timeout plus headroom; websocket connections are hijacked and unaffected.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	purgeDone := janitor.Start(ctx, repo, cfg.PurgeInterval, logger)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	<-purgeDone

	slog.Info("Server stopped successfully")
}

func openStore(cfg *config.Config) (store.Repository, error) {
	opts := store.Options{SessionTTL: cfg.SessionTTL, AnalysisTTL: cfg.AnalysisTTL}
	switch cfg.StoreDriver {
	case config.DriverBolt:
		return store.NewBolt(cfg.BoltPath, opts)
	case config.DriverSQLite:
		return store.NewSQLite(cfg.DBPath, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func openBackend(cfg *config.Config, logger *slog.Logger) (generation.Backend, error) {
	switch cfg.GenerationBackend {
	case config.BackendSimulated:
		return generation.NewSimulated(), nil
	case config.BackendGRPC:
		gcfg := generation.DefaultGRPCConfig(cfg.GenerationAddr)
		gcfg.RequestTimeout = cfg.GenerationTimeout
		return generation.NewGRPC(gcfg, logger)
	case config.BackendAnthropic:
		return generation.NewAnthropic(generation.AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Timeout: cfg.GenerationTimeout,
		})
	case config.BackendOpenAI:
		return generation.NewOpenAI(generation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.GenerationTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown generation backend %q", cfg.GenerationBackend)
	}
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := coordinator.DefaultConfig()
	c.BudgetTotal = cfg.BudgetTotal
	c.AutoHandoff = cfg.HandoffAuto
	c.RateLimit = ratelimit.Policy{Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow}
	c.MaxOutputTokens = cfg.MaxOutputTokens
	c.GenerationTimeout = cfg.GenerationTimeout
	c.StoreTimeout = cfg.StoreTimeout
	return c
}
