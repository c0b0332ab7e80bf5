// Package main is the entry point for the tideflow service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tideflow-ai/tideflow/internal/api"
	"github.com/tideflow-ai/tideflow/internal/auth"
	"github.com/tideflow-ai/tideflow/internal/config"
	"github.com/tideflow-ai/tideflow/internal/engine"
	"github.com/tideflow-ai/tideflow/internal/featurestore"
	"github.com/tideflow-ai/tideflow/internal/payload"
	"github.com/tideflow-ai/tideflow/internal/provider"
	"github.com/tideflow-ai/tideflow/internal/quota"
	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/internal/tracing"
	"github.com/tideflow-ai/tideflow/internal/validator"
	"github.com/tideflow-ai/tideflow/pkg/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	// Structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting tideflow",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tracer, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "tideflow",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     1.0,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Task store
	var tasks taskstore.Store
	switch cfg.TaskStoreType {
	case "redis":
		redisCfg := taskstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.TaskStoreTTL
		redisCfg.EventMaxLen = cfg.EventMaxLen
		redisStore, err := taskstore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory task store", "error", err)
			tasks = taskstore.NewMemoryStore(&taskstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTLSeconds:  int64(cfg.TaskStoreTTL.Seconds()),
			})
		} else {
			tasks = redisStore
			logger.Info("using Redis task store", slog.String("url", cfg.RedisURL))
		}
	default:
		tasks = taskstore.NewMemoryStore(&taskstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.TaskStoreTTL.Seconds()),
		})
		logger.Info("using in-memory task store")
	}
	defer tasks.Close()

	// Feature store
	var features featurestore.Store
	switch cfg.FeatureStoreType {
	case "redis":
		redisFeatures, err := featurestore.NewRedisStore(redisAddr(cfg.RedisURL))
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory feature store", "error", err)
			features = featurestore.NewMemoryStore()
		} else {
			features = redisFeatures
			logger.Info("using Redis feature store")
		}
	default:
		features = featurestore.NewMemoryStore()
		logger.Info("using in-memory feature store")
	}
	defer features.Close()

	// Quota ledger
	var ledger quota.Ledger
	switch cfg.QuotaLedgerType {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		pgLedger := quota.NewPostgresLedger(pool)
		if err := pgLedger.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure quota schema", "error", err)
			os.Exit(1)
		}
		ledger = pgLedger
		logger.Info("using Postgres quota ledger")
	default:
		ledger = quota.NewMemoryLedger()
		logger.Info("using in-memory quota ledger")
	}
	defer ledger.Close()

	// Coordinator with task status source for the reconciler
	taskStatus := func(ctx context.Context, taskID string) (types.TaskStatus, error) {
		task, err := tasks.GetTask(ctx, taskID)
		if err != nil {
			return "", err
		}
		return task.Status, nil
	}
	coordinator := quota.NewCoordinator(ledger, taskStatus, logger)

	if cfg.ReconcileEnabled {
		go coordinator.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileMinAge)
		logger.Info("quota reconciler started",
			slog.Duration("interval", cfg.ReconcileInterval),
			slog.Duration("min_age", cfg.ReconcileMinAge),
		)
	}

	// Payload offload
	payloads, err := payload.New(&payload.Config{
		Type:            cfg.PayloadBackend,
		Threshold:       cfg.PayloadThreshold,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretKey,
		UseSSL:          cfg.S3UseSSL,
	})
	if err != nil {
		logger.Error("failed to create payload service", "error", err)
		os.Exit(1)
	}

	// Provider registry
	registry := provider.NewRegistry()
	if err := registry.Register(provider.EchoType, provider.Echo{}); err != nil {
		logger.Error("failed to register echo provider", "error", err)
		os.Exit(1)
	}
	logger.Info("provider registry initialized", slog.Any("types", registry.Types()))

	// Execution engine
	eng := engine.New(tasks, features, registry, coordinator, payloads, logger)

	// Schema validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		v = nil
	}

	// API handlers and middleware
	handlers := api.NewHandlers(tasks, features, registry, coordinator, eng, v, payloads, cfg, logger)
	server := api.NewServer(handlers)

	var authProvider *auth.Provider
	if cfg.OIDCEnabled {
		authProvider, err = auth.NewProvider(ctx, &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to create OIDC provider", "error", err)
			os.Exit(1)
		}
	}
	authMiddleware := auth.NewMiddleware(authProvider, &auth.MiddlewareConfig{
		Enabled: cfg.OIDCEnabled,
	})
	rateLimiter := auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", rateLimiter.Handler(authMiddleware.Handler(server.Router())))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// redisAddr strips the scheme from a Redis URL for clients that take
// a bare host:port.
func redisAddr(url string) string {
	for _, prefix := range []string{"redis://", "rediss://"} {
		if len(url) > len(prefix) && url[:len(prefix)] == prefix {
			url = url[len(prefix):]
			break
		}
	}
	// Drop any trailing /db segment
	for i := 0; i < len(url); i++ {
		if url[i] == '/' {
			return url[:i]
		}
	}
	return url
}
