package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-queue/cmd/mainconfig"
	"github.com/wolfman30/clinic-queue/internal/api/router"
	"github.com/wolfman30/clinic-queue/internal/app/bootstrap"
	"github.com/wolfman30/clinic-queue/internal/audit"
	"github.com/wolfman30/clinic-queue/internal/clinic"
	appconfig "github.com/wolfman30/clinic-queue/internal/config"
	"github.com/wolfman30/clinic-queue/internal/observability/metrics"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/internal/realtime"
	expiryworker "github.com/wolfman30/clinic-queue/internal/worker/expiry"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting clinic-queue API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var pool *pgxpool.Pool
	if !cfg.UseMemoryStore {
		var err error
		pool, err = bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
	}
	if pool != nil {
		defer pool.Close()
	}
	store := bootstrap.BuildQueueStore(cfg, pool, logger)

	auditLog, closeAudit, err := bootstrap.BuildAuditLog(cfg)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeAudit() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}
	clinicStore := bootstrap.BuildClinicStore(redisClient)
	policies := bootstrap.BuildPolicyProvider(cfg, clinicStore)

	// Events
	hub := realtime.NewHub(cfg.WebsocketBufferSize, cfg.CORSAllowedOrigins, logger)
	pipeline := bootstrap.BuildEventPipeline(cfg, pool, redisClient, setupSQS(ctx, cfg, logger), hub, logger)

	// Service
	metricsHandler, queueMetrics := setupMetrics()
	svc := queue.NewService(store, policies, auditLog, pipeline.Publisher, logger).
		WithMetrics(queueMetrics).
		WithClaimRetries(cfg.ClaimRetries)

	var workers sync.WaitGroup
	if pipeline.Deliverer != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			pipeline.Deliverer.Start(ctx)
		}()
	}
	if cfg.GraceSweepInterval > 0 {
		sweeper := expiryworker.NewSweeper(svc, cfg.GraceSweepActor, logger).WithInterval(cfg.GraceSweepInterval)
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Run(ctx)
		}()
	}

	// Setup router
	r := router.New(&router.Config{
		Logger:             logger,
		QueueHandler:       queue.NewHandler(svc, logger),
		ClinicHandler:      buildClinicHandler(clinicStore, pool, logger),
		AuditHandler:       audit.NewHandler(auditLog, logger),
		Hub:                hub,
		MetricsHandler:     metricsHandler,
		HealthChecks:       healthChecks(pool, redisClient),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
		StaffAuthSecret:    cfg.StaffJWTSecret,
		AllowHeaderActor:   cfg.AllowHeaderActor && !cfg.IsProduction(),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	workers.Wait()
	logger.Info("server stopped")
}

// setupMetrics registers queue metrics on a dedicated registry and returns
// the scrape handler for it.
func setupMetrics() (http.Handler, *metrics.QueueMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	queueMetrics := metrics.NewQueueMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), queueMetrics
}

// setupSQS returns nil unless an events queue is configured.
func setupSQS(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *sqs.Client {
	if strings.TrimSpace(cfg.EventsQueueURL) == "" {
		return nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config; sqs events disabled", "error", err)
		return nil
	}
	return mainconfig.NewSQSClient(awsCfg, cfg)
}

func buildClinicHandler(store *clinic.Store, pool *pgxpool.Pool, logger *logging.Logger) *clinic.Handler {
	if store == nil {
		logger.Warn("redis unavailable; clinic policy endpoints disabled")
		return nil
	}
	if pool == nil {
		return clinic.NewHandler(store, nil, logger)
	}
	return clinic.NewHandler(store, clinic.NewStatsRepository(pool), logger)
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client) map[string]router.HealthCheck {
	checks := map[string]router.HealthCheck{}
	if pool != nil {
		checks["postgres"] = pool.Ping
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	return checks
}
