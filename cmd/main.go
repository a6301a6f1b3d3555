/**
 * @description
 * This is the main entry point for the ledger service. It loads configuration, opens the
 * account store, wires the outbox publisher to RabbitMQ and starts the HTTP server together
 * with the cron scheduler that drains the outbox.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Outbox lock and rate limiting, when configured.
 * - github.com/joho/godotenv: Loads .env files for local development.
 * - internal/api, internal/app, internal/config, internal/store, pkg/rabbitmq.
 */

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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/ledger-service/internal/api"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/config"
	"github.com/transfa/ledger-service/internal/store"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	logger.Info("starting ledger-service", "port", cfg.ServerPort, "store_driver", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledgerStore, healthCheck, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set; outbox events will only be logged")
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("invalid rabbitmq configuration", "error", err)
			os.Exit(1)
		}
		publisher = producer
	}
	defer publisher.Close()

	bus := app.NewBreakerBus(app.NewRabbitEventBus(publisher, cfg.OutboxExchange), app.DefaultBreakerConfig(), logger)

	redisClient := connectRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var outboxLock app.OutboxLock = app.LocalOutboxLock{}
	rateLimit := func(next http.Handler) http.Handler { return next }
	if redisClient != nil {
		outboxLock = app.NewRedisOutboxLock(redisClient, cfg.RedisKeyPrefix+":outbox:lock", cfg.OutboxLockTTL)
		limiter := api.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		rateLimit = api.RateLimitMiddleware(limiter, cfg.RateLimitPerMinute, logger)
	}

	outboxPublisher := app.NewOutboxPublisher(ledgerStore, bus, outboxLock, cfg.OutboxBatchSize, logger,
		app.WithCycleTimeout(cfg.OutboxCycleTimeout),
	)
	scheduler := app.NewScheduler(outboxPublisher, cfg.OutboxPublishInterval, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start outbox scheduler", "error", err)
		os.Exit(1)
	}

	pem, err := cfg.JWTPublicKey()
	if err != nil {
		logger.Error("jwt verification key missing", "error", err)
		os.Exit(1)
	}
	publicKey, err := api.ParsePublicKey(pem)
	if err != nil {
		logger.Error("jwt verification key invalid", "error", err)
		os.Exit(1)
	}

	service := app.NewService(ledgerStore, api.ContextPrincipals{}, logger, app.WithRetryPolicy(cfg.RetryMaxAttempts, nil))
	router := api.Routes(api.NewHandlers(service, logger), api.RouterConfig{
		Auth:               api.AuthMiddleware(publicKey, logger),
		RateLimit:          rateLimit,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HealthCheck:        healthCheck,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	<-scheduler.Stop().Done()

	// Drain what was committed before shutdown; anything left stays in the outbox.
	if _, err := outboxPublisher.PublishOnce(shutdownCtx); err != nil {
		logger.Warn("final outbox publish failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(*http.Request) error, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil, func() {}, nil
	}

	if cfg.DatabaseAutoMigrate {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	var dbpool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		dbpool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = dbpool.Ping(ctx); err == nil {
				break
			}
			dbpool.Close()
		}
		logger.Warn("database connection attempt failed", "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	logger.Info("database connection established")

	pgStore := store.NewPostgresStore(dbpool, logger)
	health := func(r *http.Request) error { return pgStore.Ping(r.Context()) }
	return pgStore, health, dbpool.Close, nil
}

func connectRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; outbox lock is process-local and rate limiting is disabled", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; outbox lock is process-local and rate limiting is disabled", "error", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; outbox lock is process-local and rate limiting is disabled", "error", err)
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
