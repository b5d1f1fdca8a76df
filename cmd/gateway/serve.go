package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/embedapi-gateway/config"
	"github.com/vnmchuo/embedapi-gateway/internal/attribution"
	"github.com/vnmchuo/embedapi-gateway/internal/auth"
	"github.com/vnmchuo/embedapi-gateway/internal/billing"
	"github.com/vnmchuo/embedapi-gateway/internal/metrics"
	"github.com/vnmchuo/embedapi-gateway/internal/pricing"
	"github.com/vnmchuo/embedapi-gateway/internal/provider"
	"github.com/vnmchuo/embedapi-gateway/internal/provider/embedapi"
	"github.com/vnmchuo/embedapi-gateway/internal/proxy"
	"github.com/vnmchuo/embedapi-gateway/internal/telemetry"
	"github.com/vnmchuo/embedapi-gateway/internal/worker"
	"github.com/vnmchuo/embedapi-gateway/pkg/ratelimit"
)

const modelFetchTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect Redis (optional: usage store and rate limiting)
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	// 4. Usage ledger, background queue, retention
	ledger, closeStore, err := openLedger(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	queue := worker.NewMemoryQueue(cfg.WorkerQueueSize, logger)
	queue.Start(ctx)

	scheduler := billing.NewRetentionScheduler(ledger, cfg.UsagePruneSchedule, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	// 5. Upstream and model catalog
	upstream := embedapi.New(cfg.EmbedAPIToken,
		embedapi.WithBaseURL(cfg.EmbedAPIBaseURL),
		embedapi.WithOrganizationID(cfg.EmbedAPIOrganizationID),
	)
	catalog, err := loadCatalog(ctx, cfg, upstream, logger)
	if err != nil {
		return err
	}

	// 6. Metrics and cost attribution
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	costMetrics := metrics.NewCostMetrics(registry)
	hook := attribution.NewHook(ledger, queue, costMetrics, logger)

	// 7. Rate limiter
	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled() {
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("rate limiting enabled", zap.Int64("tokens_per_minute", cfg.DefaultRateLimitTPM))
	}

	// 8. Router and handler
	router := proxy.NewRouter([]provider.Provider{upstream})
	handler := proxy.NewHandler(proxy.Deps{
		Router:                router,
		Catalog:               catalog,
		Costs:                 hook,
		Ledger:                ledger,
		Limiter:               limiter,
		Tracer:                otel.GetTracerProvider().Tracer(serviceName),
		Logger:                logger,
		DefaultModel:          cfg.EmbedAPIModel,
		DefaultEmbeddingModel: embedapi.DefaultEmbeddingModel,
	})

	authMiddleware := auth.NewMiddleware(auth.Defaults{
		Credential:     cfg.EmbedAPIToken,
		Plan:           cfg.EmbedAPIPlan,
		OrganizationID: cfg.EmbedAPIOrganizationID,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(handler, authMiddleware, costMetrics),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port), zap.Int("models", catalog.Len()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	// Flush usage events accepted before shutdown.
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("usage queue not fully drained", zap.Int("pending", queue.Len()), zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func newRouter(h *proxy.Handler, authMiddleware auth.Middleware, costMetrics *metrics.CostMetrics) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Method(http.MethodGet, "/metrics", costMetrics.Handler())

	// Caller-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Post("/v1/chat/completions/stream", h.HandleCompleteStream)
		r.Post("/v1/fim/completions", h.HandleFIMStream)
		r.Post("/v1/embeddings", h.HandleEmbeddings)
		r.Get("/v1/models", h.HandleModels)
		r.Get("/v1/usage", h.HandleUsage)
		r.Delete("/v1/usage", h.HandleClearUsage)
	})
	return r
}

// loadCatalog layers the embedded defaults, the upstream catalog and the
// local pricing file, in that order of increasing precedence.
func loadCatalog(ctx context.Context, cfg *config.Config, lister provider.ModelLister, logger *zap.Logger) (*pricing.Catalog, error) {
	catalog, err := pricing.LoadDefault()
	if err != nil {
		return nil, err
	}

	if cfg.EmbedAPIToken != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
		models, err := lister.ListModels(fetchCtx)
		cancel()
		if err != nil {
			logger.Warn("failed to fetch upstream models, using defaults", zap.Error(err))
		} else {
			catalog.Merge(models...)
			logger.Info("upstream models loaded", zap.Int("count", len(models)))
		}
	}

	if cfg.PricingFile == "" {
		return catalog, nil
	}

	models, err := pricing.LoadFile(cfg.PricingFile)
	if err != nil {
		return nil, err
	}
	catalog.Merge(models...)

	watcher, err := pricing.NewFileWatcher(cfg.PricingFile, catalog, logger)
	if err != nil {
		logger.Warn("pricing file will not be hot reloaded", zap.Error(err))
		return catalog, nil
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("pricing watcher stopped", zap.Error(err))
		}
	}()
	return catalog, nil
}
