package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// statsConnectTimeout bounds the Redis ping at startup.
const statsConnectTimeout = 5 * time.Second

// run starts every component and blocks until SIGINT or SIGTERM.
func run(app *application, logger observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.start(ctx, logger); err != nil {
		app.shutdown(logger)
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	app.shutdown(logger)
	return nil
}

// start launches background activities and the listeners. Background
// activities stop when ctx is cancelled.
func (app *application) start(ctx context.Context, logger observability.Logger) error {
	logBanner(app.config, logger)

	app.monitor.Start(ctx)
	if app.limiter != nil {
		app.limiter.Start(ctx)
	}

	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if app.metricsServer != nil {
		if err := app.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	return nil
}

// shutdown drains the gateway first, then stops background activities and
// flushes telemetry. Every step runs even if an earlier one fails.
func (app *application) shutdown(logger observability.Logger) {
	timeout := app.config.Listener.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if app.gateway.IsRunning() {
		if err := app.gateway.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	if app.metricsServer != nil && app.metricsServer.IsRunning() {
		logger.Info("stopping metrics server")
		if err := app.metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	app.monitor.Stop()

	if app.limiter != nil {
		app.limiter.Stop()
	}

	if app.stats != nil {
		if err := app.stats.Close(); err != nil {
			logger.Error("failed to close rate limit statistics", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("gateway stopped")
}
