package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "worker").Logger()
	if cfg.StoreBackend == "memory" {
		log.Fatal().Msg("the worker needs shared state; use STORE_BACKEND=postgres or run the api alone")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Int("workers", cfg.WorkerCount).
		Dur("poll_interval", cfg.StatusPollInterval).
		Dur("backoff_initial", cfg.BackoffInitial).
		Msg("worker started")
	if err := a.RunEngine(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
