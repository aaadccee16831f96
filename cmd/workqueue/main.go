package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/workqueue/internal/app"
	"github.com/ent0n29/workqueue/internal/config"
	"github.com/ent0n29/workqueue/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("workqueue exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.BindAddr, "queues", len(cfg.Queues))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		return shutdown(httpServer, built, cfg.ShutdownTimeout, logger)
	})

	return g.Wait()
}

// shutdown stops accepting requests, cancels queued work, waits for running
// tasks, then releases resources. Everything shares one timeout.
func shutdown(httpServer *http.Server, built *app.BuildResult, timeout time.Duration, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", "error", err)
		_ = httpServer.Close()
		errs = append(errs, err)
	}

	canceled, err := built.Queues.Drain(shutdownCtx)
	if err != nil {
		logger.Warn("queues did not drain before timeout", "error", err, "canceled", canceled)
		errs = append(errs, err)
	} else {
		logger.Info("queues drained", "canceled", canceled)
	}

	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", "error", err)
		errs = append(errs, err)
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}
