package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vsumup-vs/pain-db-sub012/internal/config"
	"github.com/vsumup-vs/pain-db-sub012/internal/consumer"
	"github.com/vsumup-vs/pain-db-sub012/internal/database"
	"github.com/vsumup-vs/pain-db-sub012/internal/engine"
	"github.com/vsumup-vs/pain-db-sub012/internal/repository"
	"github.com/vsumup-vs/pain-db-sub012/internal/rulestore"
	"github.com/vsumup-vs/pain-db-sub012/internal/store"
	"github.com/vsumup-vs/pain-db-sub012/internal/worker"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.WithFields(logrus.Fields{
		"topic":   cfg.Kafka.Topic,
		"workers": cfg.Worker.Workers,
	}).Info("Starting alert engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrationsPath != "" {
		runner, err := database.NewMigrationRunner(configManager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create migration runner")
		}
		if err := runner.Up(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to run migrations")
		}
		if err := runner.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migration runner")
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid redis URL")
		}
		opts.PoolSize = cfg.Redis.PoolSize
		opts.PoolTimeout = cfg.Redis.PoolTimeout
		opts.MaxRetries = cfg.Redis.MaxRetries
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, rule cache runs on the memory tier only")
		}
	}

	patients := repository.NewPatientRepository(db.Pool, logger)
	observations := repository.NewObservationRepository(db.Pool, logger)
	alerts := store.NewBreakerAlertStore(repository.NewAlertRepository(db.Pool, logger), logger)
	rules := rulestore.NewCachedReader(
		repository.NewRuleRepository(db.Pool, logger),
		redisClient,
		rulestore.CachedReaderConfig{
			Size: cfg.Engine.RuleCacheSize,
			TTL:  cfg.Engine.RuleCacheTTL,
		},
		logger,
	)

	evaluator := engine.NewEvaluator(
		engine.NewContextResolver(patients, rules, observations, logger),
		engine.NewRuleMatcher(logger),
		engine.NewRiskScorer(logger),
		engine.NewLifecycleManager(alerts, cfg.Engine.AutoResolve, logger),
		cfg.Engine.EvaluateTimeout,
		logger,
	)

	pool := worker.NewPool(evaluator, worker.Config{
		Workers:   cfg.Worker.Workers,
		QueueSize: cfg.Worker.QueueSize,
	}, logger)
	pool.Start()

	obsConsumer, err := consumer.NewConsumer(consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}, pool, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.WithField("addr", cfg.Metrics.Addr).Info("Serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := obsConsumer.Run(ctx); err != nil {
		logger.WithError(err).Error("Consumer stopped with error")
	}

	if err := obsConsumer.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close consumer")
	}
	pool.Stop()
	if err := metricsServer.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to shut down metrics server")
	}

	logger.Info("Alert engine stopped")
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}
