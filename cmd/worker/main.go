package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"content-orchestrator/internal/app"
	"content-orchestrator/internal/config"
	"content-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if cfg.InlineMode() {
		logger.Error("worker needs a transport; with TRANSPORT=none jobs run inside the api process")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(cfg.TracingEnabled, "content-orchestrator-worker", cfg.TracingEndpoint)
	if err != nil {
		logger.Error("init tracer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("poll_interval", cfg.DrivePollInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Processor.Run(ctx, a.Queue) })
	g.Go(func() error { return a.Scheduler.Run(ctx) })
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
	}
	_ = metricsServer.Shutdown(context.Background())
}
