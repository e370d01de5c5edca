/*
File: notifyservice/notifyservice.go
Description: Wires up the admin/fallback HTTP API service. The WebSocket
hub runs as its own server; this wrapper owns everything else the service
exposes over plain HTTP.
*/
package notifyservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notify-service/internal/api"
	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/internal/metrics"
	"github.com/tinywideclouds/go-notify-service/notifyservice/config"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

// Wrapper bundles the HTTP API server with its handlers.
type Wrapper struct {
	server     *http.Server
	apiHandler *api.API
	logger     zerolog.Logger
	ready      chan struct{}
}

// New creates and wires up the API service.
func New(
	cfg *config.AppConfig,
	registry notify.Registry,
	dispatcher *dispatch.Dispatcher,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
	apiLogger *slog.Logger,
) (*Wrapper, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	apiHandler := api.NewAPI(registry, dispatcher, apiLogger.With("component", "API"))

	mux := http.NewServeMux()
	mux.Handle("GET /api/connections", authMiddleware(http.HandlerFunc(apiHandler.ListConnectionsHandler)))
	mux.Handle("GET /api/users/{id}/connections", authMiddleware(http.HandlerFunc(apiHandler.ListUserConnectionsHandler)))
	mux.Handle("GET /api/channels", authMiddleware(http.HandlerFunc(apiHandler.ListChannelsHandler)))
	mux.Handle("POST /api/notify", authMiddleware(http.HandlerFunc(apiHandler.NotifyHandler)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &Wrapper{
		server:     &http.Server{Addr: ":" + cfg.APIPort, Handler: mux},
		apiHandler: apiHandler,
		logger:     logger,
		ready:      make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is active.
func (w *Wrapper) Ready() <-chan struct{} {
	return w.ready
}

// Start listens and serves until Shutdown. Ready is closed as soon as the
// listener is bound, so callers can sequence startup.
func (w *Wrapper) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", w.server.Addr, err)
	}
	w.logger.Info().Str("addr", listener.Addr().String()).Msg("API server listening.")
	close(w.ready)

	if err := w.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down API service...")
	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("API server shutdown failed.")
		return err
	}
	w.logger.Info().Msg("API service shut down.")
	return nil
}
