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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/pairrelay/internal/auth"
	"github.com/haasonsaas/pairrelay/internal/backoff"
	"github.com/haasonsaas/pairrelay/internal/config"
	"github.com/haasonsaas/pairrelay/internal/gateway"
	"github.com/haasonsaas/pairrelay/internal/observability"
	"github.com/haasonsaas/pairrelay/internal/pairing"
	"github.com/haasonsaas/pairrelay/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: it wires the number store, the
// relay loop, the sweeper and the HTTP front end, then runs until a
// termination signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting pairing relay",
		"version", version,
		"commit", commit,
		"config", configPath,
		"database", cfg.Database.Driver,
	)

	tracer, shutdownTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "pairrelay",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)
	if cfg.Observability.MetricsOn() {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// abort releases whatever started before a failure, in shutdown order.
	abort := func(cause error, steps ...shutdownStep) error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		steps = append(steps, shutdownStep{"tracing", shutdownTracing})
		_ = shutdown(shutdownCtx, logger, steps)
		return cause
	}

	numbers, err := openNumberStore(ctx, cfg, logger)
	if err != nil {
		return abort(fmt.Errorf("failed to open number store: %w", err))
	}
	closeNumbers := shutdownStep{"number store", func(context.Context) error { return numbers.Close() }}

	authService := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		Required:    cfg.Auth.Required,
	})

	machine, err := pairing.NewMachine(pairing.NewStore(), numbers, pairing.MachineConfig{
		BaseURL:        cfg.Pairing.BaseURL,
		Path:           cfg.Pairing.Path,
		TTL:            cfg.Pairing.TTL,
		PersistTimeout: cfg.Pairing.PersistTimeout,
		Authorize:      gateway.Authorizer(authService),
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
	})
	if err != nil {
		return abort(fmt.Errorf("failed to build pairing machine: %w", err), closeNumbers)
	}
	relay := pairing.NewRelay(machine, logger)
	relay.Start()
	stopRelay := shutdownStep{"relay", relay.Stop}

	sweeper := pairing.NewSweeper(relay, cfg.Pairing.SweepInterval, logger)
	if err := sweeper.Start(); err != nil {
		return abort(fmt.Errorf("failed to start sweeper: %w", err), stopRelay, closeNumbers)
	}
	stopSweeper := shutdownStep{"sweeper", sweeper.Stop}

	server, err := gateway.NewServer(cfg, relay, gateway.Options{
		Auth:           authService,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	})
	if err == nil {
		err = server.Start(ctx)
	}
	if err != nil {
		return abort(fmt.Errorf("failed to start gateway: %w", err), stopSweeper, stopRelay, closeNumbers)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = shutdown(shutdownCtx, logger, []shutdownStep{
		stopSweeper,
		{"sessions", relay.Shutdown},
		{"http server", server.Stop},
		stopRelay,
		closeNumbers,
		{"tracing", shutdownTracing},
	})
	if err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("pairing relay stopped gracefully")
	return nil
}

type shutdownStep struct {
	name string
	run  func(context.Context) error
}

// shutdown runs every step in order, continuing past failures.
func shutdown(ctx context.Context, logger *slog.Logger, steps []shutdownStep) error {
	var errs []error
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			logger.Error("shutdown step failed", "step", step.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return errors.Join(errs...)
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// openNumberStore retries the initial connection so the relay can start
// alongside its database.
func openNumberStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.NumberStore, error) {
	var store storage.NumberStore
	err := backoff.Retry(ctx, backoff.DefaultPolicy(), cfg.Database.ConnectAttempts, func(int) error {
		opened, err := storage.Open(storageConfig(cfg))
		if err != nil {
			return err
		}
		store = opened
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("number store unavailable, retrying",
			"driver", cfg.Database.Driver,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	})
	return store, err
}
