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
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config
	log := app.Logger

	log.Info("starting secupoints server",
		"environment", cfg.Environment,
		"profile", cfg.Profile,
		"address", cfg.Server.Address,
		"storage_adapter", cfg.Storage.Adapter,
		"catalog", cfg.Rules.Path,
		"catalog_version", app.Catalogs.Current().Version())

	go watchCatalog(ctx, app.Catalogs, cfg.Rules.ReloadInterval, log)

	errc := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Info("server listening", "server", name, "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("api", app.Server)
	if app.Metrics.Server != nil {
		go serve("metrics", app.Metrics.Server)
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error("server failed", "error", err)
		stop()
	}

	log.Info("shutting down server", "timeout", cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error("error during server shutdown", "error", err)
	}
	if app.Metrics.Server != nil {
		if err := app.Metrics.Server.Shutdown(shutdownCtx); err != nil {
			log.Error("error during metrics server shutdown", "error", err)
		}
	}

	slog.Info("server stopped")
}
