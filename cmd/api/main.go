package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-orchestrator/internal/api"
	"content-orchestrator/internal/app"
	"content-orchestrator/internal/config"
	"content-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTracer(cfg.TracingEnabled, "content-orchestrator-api", cfg.TracingEndpoint)
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

	server := api.New(api.Deps{
		Orchestrator: a.Orchestrator,
		Documents:    a.Store,
		Ledger:       a.Ledger,
		Idempotency:  a.Idempotency,
		Limiter:      a.Limiter,
		Ping:         a.Ping,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.InlineMode() {
		// Without a transport, this process is also the only scheduler and runs its own retries.
		go func() { _ = a.Scheduler.Run(ctx) }()
		go func() { _ = a.Orchestrator.RunInlineRetries(ctx, cfg.WorkerPollInterval) }()
	}

	logger.Info("api listening", slog.String("addr", httpServer.Addr), slog.String("transport", cfg.Transport))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
