// Package config builds the service configuration in two stages: the
// embedded YAML file is unmarshaled and converted into a validated
// AppConfig, then environment variables override individual fields for
// deployment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Registry backend types.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconcileInterval = time.Minute
)

// RegistryConfig selects and configures the registry backend.
type RegistryConfig struct {
	Type              string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	ReconcileInterval time.Duration
}

// AppConfig is the canonical, validated configuration object used
// throughout the application.
type AppConfig struct {
	RunMode              string
	APIPort              string
	WebSocketPort        string
	AllowedOrigins       []string
	JWKSURL              string
	AuthHandshakeTimeout time.Duration
	Registry             RegistryConfig
}

// NewConfigFromYaml converts the raw unmarshaled data into a clean, base
// AppConfig struct, applying defaults and validating the backend choice.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger *slog.Logger) (*AppConfig, error) {
	cfg := &AppConfig{
		RunMode:        yamlCfg.RunMode,
		APIPort:        yamlCfg.APIPort,
		WebSocketPort:  yamlCfg.WebSocketPort,
		AllowedOrigins: yamlCfg.Cors.AllowedOrigins,
		JWKSURL:        yamlCfg.Auth.JWKSURL,
		Registry: RegistryConfig{
			Type:          yamlCfg.Registry.Type,
			RedisAddr:     yamlCfg.Registry.Redis.Addr,
			RedisPassword: yamlCfg.Registry.Redis.Password,
			RedisDB:       yamlCfg.Registry.Redis.DB,
		},
	}

	cfg.AuthHandshakeTimeout = defaultHandshakeTimeout
	if yamlCfg.Auth.HandshakeTimeoutSeconds > 0 {
		cfg.AuthHandshakeTimeout = time.Duration(yamlCfg.Auth.HandshakeTimeoutSeconds) * time.Second
	}

	cfg.Registry.ReconcileInterval = defaultReconcileInterval
	if yamlCfg.Registry.ReconcileIntervalSeconds > 0 {
		cfg.Registry.ReconcileInterval = time.Duration(yamlCfg.Registry.ReconcileIntervalSeconds) * time.Second
	}

	if cfg.Registry.Type == "" {
		logger.Warn("No registry backend configured, defaulting to in-memory")
		cfg.Registry.Type = RegistryMemory
	}

	return cfg, validate(cfg)
}

// UpdateConfigWithEnvOverrides applies deployment-environment overrides and
// re-validates.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger *slog.Logger) (*AppConfig, error) {
	overrides := map[string]*string{
		"API_PORT":       &cfg.APIPort,
		"WEBSOCKET_PORT": &cfg.WebSocketPort,
		"JWKS_URL":       &cfg.JWKSURL,
		"REGISTRY_TYPE":  &cfg.Registry.Type,
		"REDIS_ADDR":     &cfg.Registry.RedisAddr,
	}
	for name, target := range overrides {
		if value := os.Getenv(name); value != "" {
			logger.Info("Applying environment override", "var", name)
			*target = value
		}
	}
	return cfg, validate(cfg)
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("api_port must be set")
	}
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("websocket_port must be set")
	}
	switch cfg.Registry.Type {
	case RegistryMemory:
	case RegistryRedis:
		if cfg.Registry.RedisAddr == "" {
			return fmt.Errorf("registry.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}
	return nil
}
