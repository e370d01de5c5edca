// Package app contains the shared logic for starting and stopping the
// service: the API server, the WebSocket hub, and any background tasks,
// with signal handling and graceful shutdown.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tinywideclouds/go-notify-service/internal/realtime"
	"github.com/tinywideclouds/go-notify-service/notifyservice"
)

const shutdownGrace = 15 * time.Second

// Run executes the main application lifecycle. It starts the API service
// and the hub, runs the optional background tasks until shutdown, listens
// for OS signals, and stops everything gracefully.
func Run(
	ctx context.Context,
	logger *slog.Logger,
	apiService *notifyservice.Wrapper,
	hub *realtime.Hub,
	background ...func(context.Context),
) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info("Starting API service...")
		if err := apiService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("API service failed", "err", err)
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info("Starting WebSocket hub...")
		if err := hub.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("WebSocket hub failed", "err", err)
			cancel()
		}
	}()

	for _, task := range background {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error("API service shutdown failed.", "err", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("WebSocket hub shutdown failed.", "err", err)
	}

	cancel()
	wg.Wait()
	logger.Info("All services shut down gracefully.")
}
