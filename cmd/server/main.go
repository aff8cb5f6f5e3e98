package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/api"
	"github.com/t77yq/pipeline-orchestrator/internal/config"
	"github.com/t77yq/pipeline-orchestrator/internal/executor"
	"github.com/t77yq/pipeline-orchestrator/internal/handler"
	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/monitor"
	"github.com/t77yq/pipeline-orchestrator/internal/registry"
	"github.com/t77yq/pipeline-orchestrator/internal/scheduler"
	"github.com/t77yq/pipeline-orchestrator/internal/service"
	"github.com/t77yq/pipeline-orchestrator/internal/storage"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, zc.Level, err
		}
		zc.Level = level
	}
	logger, err := zc.Build()
	return logger, zc.Level, err
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	urls := strings.Join(cfg.NATS.URLs, ",")
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(urls, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = config.DefaultPath
	}
	v := config.New(path)
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, level, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}
	bus, err := service.NewEventBus(js, logger)
	if err != nil {
		logger.Fatal("Failed to create event bus", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	reg := registry.New(store, cfg.RegistryDefaults(), logger)
	if err := reg.Load(ctx); err != nil {
		logger.Fatal("Failed to load stored definitions", zap.Error(err))
	}
	if cfg.Workflows.Dir != "" {
		if err := reg.LoadWorkflowDir(ctx, cfg.Workflows.Dir); err != nil {
			logger.Fatal("Failed to load workflow definitions", zap.Error(err))
		}
	}

	handlers, err := handler.Build(cfg.Handlers, logger)
	if err != nil {
		logger.Fatal("Failed to create handlers", zap.Error(err))
	}
	defer handler.Close(handlers)

	health := monitor.NewMonitor(store, cfg.Thresholds(), logger)
	if err := health.Load(ctx); err != nil {
		logger.Fatal("Failed to load service health", zap.Error(err))
	}

	engine := executor.New(cfg.EngineConfig(), store, reg, health, bus, logger)
	for name, h := range handlers {
		engine.RegisterHandler(name, h)
	}

	var lock scheduler.TickLock = scheduler.LocalTickLock{}
	if cfg.Redis.URL != "" {
		redisLock, err := scheduler.NewRedisTickLock(ctx, cfg.Redis.URL, "")
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer redisLock.Close()
		lock = redisLock
	}

	sched := scheduler.New(cfg.SchedulerConfig(), store, reg, engine, health, bus, lock, logger)
	engine.OnSettled(sched.Settled)

	channels, err := cfg.Channels()
	if err != nil {
		logger.Fatal("Failed to create notification channels", zap.Error(err))
	}
	notifier := monitor.NewNotifier(cfg.NotifierConfig(), channels, logger)
	metrics := monitor.NewMetricsCollector(engine, cfg.Monitor.MetricsInterval, logger)
	alerts := monitor.NewAlertManager(store, health, metrics, notifier, bus, cfg.Monitor.EvaluateInterval, logger)
	if err := alerts.SetRules(cfg.Monitor.Rules); err != nil {
		logger.Fatal("Invalid alert rules", zap.Error(err))
	}

	notifier.Start()
	defer notifier.Stop()
	if err := metrics.Start(ctx); err != nil {
		logger.Fatal("Failed to start metrics collector", zap.Error(err))
	}
	defer metrics.Stop()
	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	defer alerts.Stop()
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	defer engine.Stop()
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	err = bus.SubscribeHealthReports(ctx, func(report service.HealthReport) {
		if err := health.ReportExternalHealth(ctx, report.Service, report.Status, report.Reason); err != nil {
			logger.Warn("Rejected external health report",
				zap.String("service", report.Service),
				zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to health reports", zap.Error(err))
	}
	err = bus.Subscribe(ctx, string(model.TopicWorkflowFailed), "alert-manager", func(event *model.Event) error {
		return alerts.HandleEvent(ctx, event)
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to workflow events", zap.Error(err))
	}

	config.Watch(v, logger, func(next *config.Config) {
		if lvl, err := zap.ParseAtomicLevel(next.Log.Level); err == nil {
			level.SetLevel(lvl.Level())
		}
		if err := reg.SetDefaults(ctx, next.RegistryDefaults()); err != nil {
			logger.Error("Keeping previous definition defaults", zap.Error(err))
		}
		engine.Reconfigure(next.EngineConfig())
		sched.Reconfigure(next.SchedulerConfig())
		health.Reconfigure(next.Thresholds())
		if err := alerts.SetRules(next.Monitor.Rules); err != nil {
			logger.Error("Keeping previous alert rules", zap.Error(err))
		}
		channels, err := next.Channels()
		if err != nil {
			logger.Error("Keeping previous notification channels", zap.Error(err))
			return
		}
		notifier.Reconfigure(next.NotifierConfig(), channels)
	})

	// Retention cleanup of terminal runs and instances
	go func() {
		cleanupTicker := time.NewTicker(time.Hour)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				retention := cfg.Storage.Retention
				if retention <= 0 {
					continue
				}
				removed, err := store.DeleteBefore(ctx, time.Now().Add(-retention))
				if err != nil {
					logger.Error("Failed to clean up old history", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("Removed old history", zap.Int64("rows", removed))
				}
			}
		}
	}()

	h := api.NewHandler(store, reg, sched, engine, health, alerts, logger)
	h.SetHealthReporter(bus)
	srv := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: h.Router(),
	}
	go func() {
		logger.Info("API listening", zap.String("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", zap.Error(err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	sched.Stop()
	engine.Stop()
	cancel()

	logger.Info("Server shutting down gracefully")
}
