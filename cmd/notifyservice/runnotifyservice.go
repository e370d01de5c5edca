/*
File: cmd/notifyservice/runnotifyservice.go
Description: Main entrypoint for the notification service. Handles config
loading, dependency injection, and starting the application.
*/
package main

import (
	"context"
	_ "embed"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notify-service/internal/api"
	"github.com/tinywideclouds/go-notify-service/internal/app"
	"github.com/tinywideclouds/go-notify-service/internal/auth"
	"github.com/tinywideclouds/go-notify-service/internal/dispatch"
	"github.com/tinywideclouds/go-notify-service/internal/metrics"
	"github.com/tinywideclouds/go-notify-service/internal/realtime"
	"github.com/tinywideclouds/go-notify-service/internal/registry"
	"github.com/tinywideclouds/go-notify-service/internal/router"
	"github.com/tinywideclouds/go-notify-service/notifyservice"
	"github.com/tinywideclouds/go-notify-service/notifyservice/config"
	"github.com/tinywideclouds/go-notify-service/pkg/notify"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// --- 1. Setup structured logging ---
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-notify-service")
	slog.SetDefault(logger)

	// Component loggers use zerolog; cmd and the API layer use slog.
	zlogger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "go-notify-service").Logger()

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}

	// --- 3. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Failed to build base configuration from YAML", "err", err)
		os.Exit(1)
	}

	// --- 4. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Failed to finalize configuration with environment overrides", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	metrics.Register()

	// --- 5. Create the registry backend ---
	connRegistry, reconciler, err := newRegistry(cfg, logger, zlogger)
	if err != nil {
		logger.Error("Failed to initialize connection registry", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := connRegistry.Close(); err != nil {
			logger.Warn("Registry close failed", "err", err)
		}
	}()

	// --- 6. Create the token verifier and authenticator ---
	verifier, err := auth.NewJWKSVerifier(ctx, cfg.JWKSURL)
	if err != nil {
		logger.Error("Failed to fetch JWKS", "url", cfg.JWKSURL, "err", err)
		os.Exit(1)
	}
	authenticator, err := auth.NewAuthenticator(verifier, zlogger)
	if err != nil {
		logger.Error("Failed to create authenticator", "err", err)
		os.Exit(1)
	}

	// --- 7. Wire hub, dispatcher, and router ---
	dispatcher := dispatch.NewDispatcher(zlogger)

	hub, err := realtime.NewHub(
		":"+cfg.WebSocketPort,
		authenticator,
		connRegistry,
		cfg.AuthHandshakeTimeout,
		cfg.AllowedOrigins,
		zlogger,
	)
	if err != nil {
		logger.Error("Failed to create hub", "err", err)
		os.Exit(1)
	}
	dispatcher.AttachTransport(hub)

	eventRouter, err := router.NewRouter(connRegistry, hub, dispatcher, zlogger)
	if err != nil {
		logger.Error("Failed to create event router", "err", err)
		os.Exit(1)
	}
	hub.AttachHandler(eventRouter)

	// --- 8. Create the API service ---
	apiService, err := notifyservice.New(
		cfg,
		connRegistry,
		dispatcher,
		api.NewAuthMiddleware(authenticator),
		zlogger.With().Str("component", "ApiService").Logger(),
		logger,
	)
	if err != nil {
		logger.Error("Failed to create API service", "err", err)
		os.Exit(1)
	}

	// --- 9. Run the application ---
	var background []func(context.Context)
	if reconciler != nil {
		background = append(background, reconciler.Run)
	}
	app.Run(ctx, logger, apiService, hub, background...)
}

// newRegistry selects the backend from config. The redis backend also gets
// the reconciler sweep that compensates for its non-transactional remove.
func newRegistry(cfg *config.AppConfig, logger *slog.Logger, zlogger zerolog.Logger) (notify.Registry, *registry.Reconciler, error) {
	switch cfg.Registry.Type {
	case config.RegistryRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		redisRegistry, err := registry.NewRedisRegistry(client, logger)
		if err != nil {
			return nil, nil, err
		}
		reconciler, err := registry.NewReconciler(client, cfg.Registry.ReconcileInterval, logger)
		if err != nil {
			return nil, nil, err
		}
		return redisRegistry, reconciler, nil
	default:
		return registry.NewMemoryRegistry(zlogger), nil, nil
	}
}
