package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/fleetdata/heartbeat-ingest/config"
	"github.com/fleetdata/heartbeat-ingest/domain/processor"
	"github.com/fleetdata/heartbeat-ingest/domain/repository"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/cache"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/database"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/messaging"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/retry"
	"github.com/fleetdata/heartbeat-ingest/infrastructure/tenant"
	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
	"github.com/fleetdata/heartbeat-ingest/pkg/metrics"
	"github.com/fleetdata/heartbeat-ingest/pkg/shutdown"
	"github.com/fleetdata/heartbeat-ingest/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "heartbeat-ingest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional; HEARTBEAT_* env vars always apply)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting heartbeat ingest service",
		logging.String("version", cfg.Service.Version),
		logging.String("environment", cfg.Service.Environment),
		logging.String("topic", cfg.Kafka.Topic),
		logging.String("consumer_group", cfg.Kafka.ConsumerGroup),
	)

	collector, err := metrics.NewCollector(&cfg.Metrics, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var assets repository.AssetStateStore
	if cfg.Cache.Enabled {
		store, err := cache.NewRedisAssetStateStore(ctx, cfg.Cache, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize asset state cache: %w", err)
		}
		assets = store
	}

	dlq := messaging.NewDeadLetterProducer(cfg.Kafka.BrokerList(), cfg.Kafka.DeadLetterTopic, logger)

	tenants := tenant.NewManager(
		tenant.Config{
			DegradedThreshold: cfg.Storage.DegradedThreshold,
			IdleEviction:      cfg.Storage.IdleEviction,
			ProbeInterval:     cfg.Storage.ProbeInterval,
			ProbeRate:         rate.Limit(1),
			ProbeTimeout:      cfg.Storage.ConnectTimeout,
		},
		database.NewDialFunc(cfg.Storage, logger),
		collector,
		logger,
	)

	retrier := retry.NewController(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, logger)

	pipeline := usecase.NewPersistHeartbeat(processor.New(), tenants, retrier, dlq, assets, collector, logger)

	coordinator, err := messaging.NewCoordinator(cfg.Kafka, cfg.Service.WorkerPoolSize, pipeline, collector, logger)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	var background sync.WaitGroup
	runErr := make(chan error, 1)

	background.Add(1)
	go func() {
		defer background.Done()
		runErr <- coordinator.Run(ctx)
	}()

	background.Add(1)
	go func() {
		defer background.Done()
		if err := tenants.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("tenant manager stopped", logging.Error(err))
		}
	}()

	gs := shutdown.New(&cfg.Shutdown, logger.Logger)
	gs.AddHooks(
		shutdown.BackgroundTaskHook("consumer", cancel, &background),
		shutdown.GenericHook("dead-letter-producer", 10, 0, func(context.Context) error {
			return dlq.Close()
		}),
		shutdown.DatabaseHook("tenant-connections", tenants),
		shutdown.MetricsHook("metrics-server", collector),
		shutdown.LoggerHook("logger", logger),
	)
	if assets != nil {
		gs.AddHook(shutdown.GenericHook("asset-cache", 15, 0, func(context.Context) error {
			return assets.Close()
		}))
	}
	gs.Listen()

	select {
	case err := <-runErr:
		gs.Shutdown()
		gs.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-gs.Done():
		// Signal-driven shutdown already drained the consumer.
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
