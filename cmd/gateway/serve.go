package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/aegis-gateway/config"
	"github.com/vnmchuo/aegis-gateway/internal/gate"
	"github.com/vnmchuo/aegis-gateway/internal/ledger"
	"github.com/vnmchuo/aegis-gateway/internal/policy"
	"github.com/vnmchuo/aegis-gateway/internal/pricing"
	"github.com/vnmchuo/aegis-gateway/internal/provider"
	"github.com/vnmchuo/aegis-gateway/internal/provider/gemini"
	"github.com/vnmchuo/aegis-gateway/internal/provider/openai"
	"github.com/vnmchuo/aegis-gateway/internal/proxy"
	"github.com/vnmchuo/aegis-gateway/internal/receipt"
	"github.com/vnmchuo/aegis-gateway/internal/seeder"
	"github.com/vnmchuo/aegis-gateway/internal/telemetry"
)

const serviceName = "aegis-gateway"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// 1. Logger
	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// 2. Telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName: serviceName,
		Version:     version,
		Exporter:    cfg.OTELExporterType,
		Endpoint:    cfg.OTELExporterEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	metrics := telemetry.NewMetrics()

	// 3. Pricing
	table, err := pricing.LoadFile(cfg.PricingFile)
	if err != nil {
		return err
	}
	mode, err := pricing.ParseMode(cfg.PricingMode)
	if err != nil {
		return err
	}
	oracle := pricing.NewOracle(table, mode)
	logger.Info("pricing loaded", zap.Int("entries", len(table)), zap.String("mode", cfg.PricingMode))

	// 4. PostgreSQL, only when something needs it
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("PostgreSQL connected")
	}

	// 5. Policies
	policies, err := buildPolicies(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}

	// 6. Ledger
	strategy, err := ledger.StrategyByName(cfg.LedgerStrategy)
	if err != nil {
		return err
	}
	budgets := ledger.NewMemory(strategy, ledger.WithRetention(cfg.LedgerRetention))
	go budgets.RunSweeper(ctx, cfg.LedgerSweepInterval, logger, func(s ledger.SweepStats) {
		metrics.Evicted(s.Scopes, s.Reservations)
	})

	// 7. Receipts
	signer, err := receipt.NewSigner(cfg.SignerKeyID, cfg.SignerSecret)
	if err != nil {
		return err
	}
	sink, closeSink, err := buildSink(ctx, cfg, pool, metrics, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	// 8. Providers and routing
	upstreams := []provider.Upstream{
		openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, openai.WithStreamUsage(cfg.StreamIncludeUsage)),
		gemini.New(cfg.GeminiAPIKey, cfg.GeminiBaseURL, nil),
	}
	prefixes := make([]proxy.Route, 0, len(cfg.ModelPrefixRoutes))
	for _, r := range cfg.ModelPrefixRoutes {
		prefixes = append(prefixes, proxy.Route{Prefix: r.Prefix, Provider: r.Provider})
	}
	routerOpts := []proxy.RouterOption{
		proxy.WithRoutes(prefixes),
		proxy.WithRecorder(metrics),
		proxy.WithRouterLogger(logger),
	}
	if cfg.GeminiAllowFallback {
		routerOpts = append(routerOpts, proxy.WithFallback(proxy.Fallback{Provider: provider.Gemini, Model: cfg.GeminiFallbackModel}))
	}
	router := proxy.NewRouter(upstreams, cfg.DefaultProvider, routerOpts...)

	// 9. Gate and handler
	g := gate.New(policies, budgets, oracle, signer, sink,
		gate.WithTracer(tracer),
		gate.WithObserver(metrics),
		gate.WithLogger(logger),
	)
	handler := proxy.NewHandler(router, g, policies, budgets, tracer, logger)

	routes := proxy.NewServer(handler, proxy.ServerConfig{
		RequireTenantHeader: cfg.RequireTenantHeader,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		Metrics:             metrics.Handler(),
		Logger:              logger,
	})

	// No write timeout: streamed completions may run for minutes.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 10. Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Aegis gateway starting",
			zap.String("port", cfg.Port),
			zap.String("default_provider", cfg.DefaultProvider),
			zap.String("ledger", strategy.Name()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func buildPolicies(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (policy.Provider, error) {
	var policies policy.Provider
	switch cfg.PolicySource {
	case "postgres":
		store := policy.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if err := seed(ctx, cfg, store, logger); err != nil {
			return nil, err
		}
		policies = store
	default:
		store, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		if cfg.RunSeed && pool != nil {
			pg := policy.NewPostgresStore(pool)
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			if err := seed(ctx, cfg, pg, logger); err != nil {
				return nil, err
			}
		}
		policies = store
	}

	if cfg.RedisAddr == "" {
		return policies, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, policy cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = rdb.Close()
		return policies, nil
	}
	logger.Info("Redis connected", zap.String("addr", cfg.RedisAddr))
	return policy.NewCachedProvider(policies, rdb, cfg.PolicyCacheTTL, logger), nil
}

// seed writes the demo policy when RUN_SEED is set. A failed seed stops
// startup.
func seed(ctx context.Context, cfg *config.Config, store seeder.PolicyWriter, logger *zap.Logger) error {
	if !cfg.RunSeed {
		return nil
	}
	if err := seeder.SeedDemoPolicy(ctx, store, logger); err != nil {
		return fmt.Errorf("seed demo policy: %w", err)
	}
	return nil
}

// buildSink opens the configured receipt store behind an async queue. The
// returned func drains the queue and closes the store.
func buildSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, metrics *telemetry.Metrics, logger *zap.Logger) (receipt.Sink, func(), error) {
	if !cfg.AuditEnabled {
		return receipt.Discard, func() {}, nil
	}

	var (
		store   receipt.Sink
		closeDB = func() {}
	)
	switch cfg.AuditSink {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.AuditSQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create audit dir: %w", err)
		}
		db, err := sql.Open("sqlite", cfg.AuditSQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		s, err := receipt.NewSQLiteSink(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		store = s
		closeDB = func() { _ = db.Close() }
	case "postgres":
		s := receipt.NewPostgresSink(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = receipt.NewFileSink(cfg.AuditDir)
	}
	logger.Info("receipt sink ready", zap.String("sink", cfg.AuditSink))

	async := receipt.NewAsyncSink(store, cfg.AuditQueueSize, logger, receipt.WithDropHook(metrics.ReceiptDropped))
	return async, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := async.Close(drainCtx); err != nil {
			logger.Warn("receipt queue not drained", zap.Error(err))
		}
		closeDB()
	}, nil
}
