package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"apipulse/internal/alerting"
	"apipulse/internal/anomaly"
	"apipulse/internal/api"
	"apipulse/internal/bus"
	"apipulse/internal/cache"
	"apipulse/internal/config"
	"apipulse/internal/forecast"
	"apipulse/internal/ingest"
	"apipulse/internal/logging"
	"apipulse/internal/metrics"
	"apipulse/internal/model"
	"apipulse/internal/normalize"
	"apipulse/internal/scheduler"
	"apipulse/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("APIPULSE_CONFIG"), "path to a YAML or JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	cfgManager, err := loadConfig(*configPath)
	if err != nil {
		logging.NewLogger("info").Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgManager, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("apipulse stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("apipulse stopped")
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, cfgManager *config.Manager, logger *slog.Logger) error {
	cfg := cfgManager.Get()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if cfg.Alerts.SeedDefaultRules {
		n, err := store.SeedDefaultRules(ctx)
		if err != nil {
			return fmt.Errorf("seed rules: %w", err)
		}
		if n > 0 {
			logger.Info("seeded default alert rules", "count", n)
		}
	}
	logger.Info("store ready", "driver", cfg.Storage.Driver)

	var persister forecast.Persister
	switch cfg.Forecast.ModelCache.Backend {
	case "sql":
		persister = store
	case "redis":
		redisModels, err := cache.NewRedisModels(ctx, cfg.Forecast.ModelCache.RedisAddr, cfg.Forecast.ModelCache.RedisTTL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisModels.Close()
		persister = redisModels
	}
	logger.Info("model cache", "backend", cfg.Forecast.ModelCache.Backend, "size", cfg.Forecast.ModelCache.Size)

	var densityPersister anomaly.ModelPersister
	if persister != nil {
		densityPersister = persister
	}
	detector := anomaly.NewEngine(cfg, store, densityPersister, logger.With("component", "anomaly"))

	models, err := forecast.NewModelStore(cfg.Forecast.ModelCache.Size, persister, logger.With("component", "models"))
	if err != nil {
		return err
	}
	forecaster, err := forecast.NewEngine(cfg, store, models, logger.With("component", "forecast"))
	if err != nil {
		return err
	}

	var notifier alerting.Notifier
	if cfg.Notify.Enabled {
		publisher, err := bus.NewPublisher(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer publisher.Close()
		notifier = publisher
		logger.Info("alert notifications enabled", "url", cfg.Notify.NATSURL, "subject", cfg.Notify.Subject)
	}
	alerts := alerting.NewEngine(cfg, store, notifier, logger.With("component", "alerting"))

	live := metrics.NewStore(0)
	verdicts := anomaly.NewVerdictLog(0)
	pipeline := anomaly.NewPipeline(cfg, store, live, verdicts, logger.With("component", "pipeline"))

	records := make(chan model.LogRecord, cfg.Ingest.ChannelBuffer)
	norm := normalize.New(cfg.Ingest.Parser)
	sink := ingest.NewSink(records, cfg.Ingest.DedupTTL, logger.With("component", "ingest"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(ctx, records)
	})

	ingestLogger := logger.With("component", "ingest")
	if err := ingest.StartTCPStream(ctx, cfgManager, norm, sink, ingestLogger); err != nil {
		return fmt.Errorf("tcp stream: %w", err)
	}
	if err := ingest.StartFileTail(ctx, cfgManager, norm, sink, ingestLogger); err != nil {
		return fmt.Errorf("file tail: %w", err)
	}
	if err := ingest.StartKafka(ctx, cfgManager, norm, sink, ingestLogger); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}

	sched := scheduler.New(logger.With("component", "scheduler"))
	sched.Register(cfgManager, detector, forecaster, alerts, store)
	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			return sched.Run(ctx)
		})
	} else {
		logger.Info("scheduler disabled; jobs run on demand only")
	}

	reconfigure := func(next *config.Config) {
		detector.UpdateConfig(next)
		forecaster.UpdateConfig(next)
		alerts.UpdateConfig(next)
	}

	api.Start(ctx, cfgManager, api.Deps{
		Store:      store,
		Detector:   detector,
		Forecaster: forecaster,
		Alerts:     alerts,
		Jobs:       sched,
		Live:       live,
		Verdicts:   verdicts,
		Ingest:     ingest.NewRESTHandler(cfgManager, norm, sink, ingestLogger),

		Reconfigure: reconfigure,
	}, logger.With("component", "api"), version)

	stopWatch := make(chan struct{})
	go cfgManager.Watch(5*time.Second, func(next *config.Config) {
		reconfigure(next)
		logger.Info("config reloaded", "path", cfgManager.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "path", cfgManager.Path(), "err", err)
	}, stopWatch)
	defer close(stopWatch)

	logger.Info("apipulse started", "version", version)
	return g.Wait()
}
