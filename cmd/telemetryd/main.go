package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flightdeck-ai/telemetry/internal/alerting"
	"github.com/flightdeck-ai/telemetry/internal/analytics"
	"github.com/flightdeck-ai/telemetry/internal/anomaly"
	"github.com/flightdeck-ai/telemetry/internal/config"
	"github.com/flightdeck-ai/telemetry/internal/domain"
	"github.com/flightdeck-ai/telemetry/internal/export"
	"github.com/flightdeck-ai/telemetry/internal/fieldcrypt"
	"github.com/flightdeck-ai/telemetry/internal/server"
	"github.com/flightdeck-ai/telemetry/internal/service"
	"github.com/flightdeck-ai/telemetry/internal/storage"
	"github.com/flightdeck-ai/telemetry/internal/storage/memory"
	"github.com/flightdeck-ai/telemetry/internal/storage/sqldb"
	"github.com/flightdeck-ai/telemetry/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Telemetry.TracingEnabled {
		shutdownTracer, err := tracing.Init(cfg.Export.ServiceName, cfg.Export.ServiceVersion, logger)
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}

	engine := analytics.New(analytics.Config{
		WindowSize:   config.Duration(cfg.Window.Size, 5*time.Minute),
		MaxEvents:    cfg.Window.MaxEvents,
		MaxSnapshots: cfg.Window.MaxSnapshots,
	}, logger)

	detector := anomaly.New(store, anomaly.Config{
		DeviationThreshold: cfg.Anomaly.DeviationThreshold,
		DominanceShare:     cfg.Anomaly.DominanceShare,
		CacheTTL:           config.Duration(cfg.Anomaly.CacheTTL, 30*time.Second),
	}, logger)

	metrics := server.NewMetrics()

	alerts := alerting.NewManager(alerting.ManagerConfig{
		Webhook: alerting.WebhookConfig{Retries: cfg.Alerting.WebhookRetry},
		OnFired: func(alert *domain.Alert) {
			metrics.AlertsFired.WithLabelValues(string(alert.Severity)).Inc()
		},
	}, logger)
	for _, rule := range cfg.Alerting.DomainRules() {
		if err := alerts.AddRule(rule); err != nil {
			log.Fatalf("register alert rule: %v", err)
		}
	}

	svc := service.New(store, engine, detector, alerts, service.Config{
		SnapshotSpec:  cfg.Alerting.SnapshotSpec,
		RetentionSpec: cfg.Retention.Spec,
		RetentionDays: cfg.Retention.Days,
		Export: export.Options{
			ServiceName:         cfg.Export.ServiceName,
			ServiceVersion:      cfg.Export.ServiceVersion,
			RowGroupSize:        cfg.Export.RowGroupSize,
			DictionaryThreshold: cfg.Export.DictionaryThreshold,
			Gzip:                cfg.Export.Gzip,
		},
	}, logger)
	if err := svc.Start(); err != nil {
		log.Fatalf("start service: %v", err)
	}

	srv := server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: config.Duration(cfg.Server.RequestTimeout, 30*time.Second),
		AuthScheme:     server.AuthScheme(cfg.Auth.Scheme),
		APIKeys:        cfg.Auth.APIKeys,
		RateLimit: server.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
		Metrics: metrics,
	}, svc, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("telemetry pipeline started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Driver))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("service shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func buildStore(cfg *config.Config) (storage.Provider, error) {
	if cfg.Storage.Driver == "memory" {
		return memory.New(), nil
	}

	var codec *fieldcrypt.Codec
	if cfg.Encryption.Key != "" {
		var err error
		codec, err = fieldcrypt.NewFromString(cfg.Encryption.Key)
		if err != nil {
			return nil, err
		}
	}
	return sqldb.New(sqldb.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Codec:  codec,
	})
}
