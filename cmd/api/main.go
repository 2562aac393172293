package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"generation-orchestrator/internal/api"
	"generation-orchestrator/internal/app"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build app")
	}
	defer a.Close()

	// In-memory state is not shared with a separate worker process.
	if cfg.StoreBackend == "memory" {
		go func() {
			if err := a.RunEngine(ctx); err != nil {
				log.Error().Err(err).Msg("engine stopped")
				cancel()
			}
		}()
	}

	server := api.New(a.Orchestrator, a.Store, a.Finalizer, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("backend", cfg.StoreBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
