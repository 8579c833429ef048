package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Priya8975/webhook-dispatcher/internal/api"
	"github.com/Priya8975/webhook-dispatcher/internal/config"
	"github.com/Priya8975/webhook-dispatcher/internal/engine"
	"github.com/Priya8975/webhook-dispatcher/internal/metrics"
	"github.com/Priya8975/webhook-dispatcher/internal/store"
	ws "github.com/Priya8975/webhook-dispatcher/internal/websocket"
	"github.com/Priya8975/webhook-dispatcher/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, storageName, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Redis is optional; without it each process rate-limits on its own.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")
	}

	m := metrics.New()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	breaker := engine.NewCircuitBreaker(st, logger, m, hub)
	limiter := engine.NewRateLimiter(redisClient, logger)
	deliverer := worker.NewDeliverer(st, breaker, logger,
		worker.WithRateLimiter(limiter),
		worker.WithMetrics(m),
		worker.WithHub(hub),
		worker.WithUserAgent(cfg.UserAgent),
	)

	pool := worker.NewPool(cfg.NumWorkers, cfg.QueueSize, deliverer, logger, m)
	pool.Start(ctx)

	dispatcher := engine.NewDispatcher(st, breaker, pool, logger)

	sweeper := worker.NewSweeper(st, deliverer, worker.SweeperConfig{
		Interval:        cfg.SweepInterval,
		CleanupInterval: cfg.CleanupInterval,
		ClaimLease:      cfg.ClaimLease,
		Concurrency:     cfg.SweepConcurrency,
		BatchSize:       cfg.SweepBatchSize,
		RetentionDays:   cfg.LogRetentionDays,
	}, logger, m)
	sweeper.Start(ctx)

	router := api.NewRouter(api.Dependencies{
		Store:         st,
		StorageName:   storageName,
		Dispatcher:    dispatcher,
		Breaker:       breaker,
		Deliverer:     deliverer,
		Sweeper:       sweeper,
		Hub:           hub,
		Metrics:       m,
		RetentionDays: cfg.LogRetentionDays,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "storage", storageName, "workers", cfg.NumWorkers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// In-flight deliveries finish before the store is closed.
	pool.Stop()

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, string, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), "memory", nil
	}

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "", err
	}
	logger.Info("connected to PostgreSQL")

	var migrations fs.FS = store.Migrations()
	if cfg.MigrationsDir != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := pgStore.RunMigrations(ctx, migrations); err != nil {
		pgStore.Close()
		return nil, "", err
	}
	logger.Info("database migrations applied")

	return pgStore, "postgres", nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
