package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicqtran/umami-server/internal"
	"github.com/nicqtran/umami-server/internal/ai"
	"github.com/nicqtran/umami-server/internal/ai/anthropic"
	"github.com/nicqtran/umami-server/internal/ai/mock"
	"github.com/nicqtran/umami-server/internal/billing"
	"github.com/nicqtran/umami-server/internal/handler"
	"github.com/nicqtran/umami-server/internal/metrics"
	"github.com/nicqtran/umami-server/internal/middleware"
	"github.com/nicqtran/umami-server/internal/service"
	"github.com/nicqtran/umami-server/internal/storage"
	"github.com/nicqtran/umami-server/internal/store"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database connection
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	// Initialize store and entitlement gate
	entitlementStore := store.NewPostgres(db)
	entitlements := service.NewEntitlementService(entitlementStore, logger)

	// Initialize photo storage
	photoStorage, err := newStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	// Initialize AI provider
	aiProvider, err := newAIProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}
	logger.Info("AI provider ready", "provider", cfg.AIProvider)

	// Initialize scan workflow
	scans := service.NewScanService(entitlements, aiProvider, photoStorage, service.NewImagingProcessor(), logger)

	// Initialize billing
	var billingService billing.Service
	if cfg.StripeSecretKey != "" {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		logger.Info("Stripe billing configured")
	} else {
		logger.Warn("Stripe billing not configured, webhook will no-op")
	}

	// Initialize handlers
	accessHandler := handler.NewAccessHandler(entitlements, logger)
	scanHandler := handler.NewScanHandler(scans, logger)
	webhookHandler := handler.NewWebhookHandler(billingService, entitlementStore, logger)

	// Initialize middleware
	isSecure := cfg.Env != "development"
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	metricsAuthMw := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	serviceAuth := middleware.RequireServiceToken(middleware.ServiceAuthConfig{
		Tokens: cfg.ServiceTokens,
		Logger: logger,
	})
	scanLimiter := middleware.NewRateLimitMiddleware(
		middleware.NewRateLimiter(cfg.ScanRateLimit, cfg.ScanRateWindow, logger),
		logger,
	)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics (basic auth)
	mux.Handle("GET /metrics", metricsAuthMw.Handler(promhttp.Handler()))

	// Stripe webhooks (public; authenticated by signature)
	mux.HandleFunc("POST /webhooks/stripe", webhookHandler.HandleStripeWebhook)

	// Internal entitlement RPC (service token)
	mux.Handle("POST /internal/v1/access-status", serviceAuth(http.HandlerFunc(accessHandler.AccessStatus)))
	mux.Handle("POST /internal/v1/trial", serviceAuth(http.HandlerFunc(accessHandler.StartTrial)))
	mux.Handle("POST /internal/v1/refund", serviceAuth(http.HandlerFunc(accessHandler.Refund)))

	// Scan workflow (service token + per-IP rate limit)
	scanStack := middleware.Stack(serviceAuth, scanLimiter.Limit)
	mux.Handle("POST /api/v1/scan", scanStack(http.HandlerFunc(scanHandler.Analyze)))

	// Serve locally stored photos in development
	if cfg.StorageProvider == "local" {
		filesFS := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", filesFS))
	}

	root := middleware.Stack(securityMw.Handler, loggingMw.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start background reconciler
	// ==========================================================================

	var reconciler *billing.Reconciler
	if cfg.SyncEnabled && billingService != nil {
		reconciler = billing.NewReconciler(entitlementStore, billingService, billing.SyncConfig{
			Interval:   cfg.SyncInterval,
			StaleAfter: cfg.SyncStaleAfter,
			BatchSize:  cfg.SyncBatchSize,
		}, logger)
		reconciler.Start(ctx)
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if reconciler != nil {
		reconciler.Stop()
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// newStorage builds the configured photo storage backend.
func newStorage(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.StorageProvider == "r2" {
		return storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		}, logger)
	}
	return storage.NewLocalStorage(storage.LocalConfig{
		BasePath: cfg.LocalStoragePath,
		BaseURL:  cfg.LocalStorageURL,
	}, logger)
}

// newAIProvider builds the configured analysis provider.
func newAIProvider(cfg *internal.Config, logger *slog.Logger) (ai.Provider, error) {
	if cfg.AIProvider == "anthropic" {
		return anthropic.New(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
			ProviderConfig: ai.ProviderConfig{
				MaxRetries:     cfg.AIMaxRetries,
				RetryBaseDelay: cfg.AIRetryBaseDelay,
				RequestTimeout: cfg.AIRequestTimeout,
			},
		}, logger)
	}
	return mock.New(logger), nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
