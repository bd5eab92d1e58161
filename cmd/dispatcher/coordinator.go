package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"NetDispatch/internal/config"
	"NetDispatch/internal/coordinator/dependencies"
	"NetDispatch/internal/coordinator/server"
	"NetDispatch/pkg/logger"
)

func runCoordinator(cfg *config.Config) error {
	log := logger.Setup(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	log.Info("starting coordinator",
		slog.String("host", cfg.Coordinator.Host),
		slog.Int("port", cfg.Coordinator.Port),
		slog.Any("binds", cfg.Coordinator.Binds),
	)

	container := dependencies.NewContainer(cfg, log)
	defer container.Close()

	srv := server.New(&server.Config{
		Host:  cfg.Coordinator.Host,
		Port:  cfg.Coordinator.Port,
		Binds: cfg.Coordinator.Binds,
		Mode:  cfg.Coordinator.Mode,
	}, container.Handlers, log.With("component", "server"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed to start", "error", err)
			os.Exit(exitStartup)
		}
		return nil
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "error", err)
		return err
	}

	log.Info("coordinator stopped gracefully")
	return nil
}
