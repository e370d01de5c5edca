package config

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const sampleYaml = `
run_mode: "test"
api_port: "8080"
websocket_port: "8081"
cors:
  allowed_origins:
    - "https://app.example.com"
auth:
  jwks_url: "http://identity/.well-known/jwks.json"
  handshake_timeout_seconds: 5
registry:
  type: "redis"
  redis:
    addr: "localhost:6379"
    password: "secret"
    db: 2
  reconcile_interval_seconds: 30
`

func loadYaml(t *testing.T, raw string) *YamlConfig {
	t.Helper()
	var yamlCfg YamlConfig
	require.NoError(t, yaml.Unmarshal([]byte(raw), &yamlCfg))
	return &yamlCfg
}

func TestNewConfigFromYaml(t *testing.T) {
	cfg, err := NewConfigFromYaml(loadYaml(t, sampleYaml), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.RunMode)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "8081", cfg.WebSocketPort)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "http://identity/.well-known/jwks.json", cfg.JWKSURL)
	assert.Equal(t, 5*time.Second, cfg.AuthHandshakeTimeout)

	assert.Equal(t, RegistryRedis, cfg.Registry.Type)
	assert.Equal(t, "localhost:6379", cfg.Registry.RedisAddr)
	assert.Equal(t, "secret", cfg.Registry.RedisPassword)
	assert.Equal(t, 2, cfg.Registry.RedisDB)
	assert.Equal(t, 30*time.Second, cfg.Registry.ReconcileInterval)
}

func TestNewConfigFromYaml_Defaults(t *testing.T) {
	cfg, err := NewConfigFromYaml(loadYaml(t, `
api_port: "8080"
websocket_port: "8081"
`), testLogger())
	require.NoError(t, err)

	assert.Equal(t, RegistryMemory, cfg.Registry.Type, "missing backend defaults to memory")
	assert.Equal(t, defaultHandshakeTimeout, cfg.AuthHandshakeTimeout)
	assert.Equal(t, defaultReconcileInterval, cfg.Registry.ReconcileInterval)
}

func TestNewConfigFromYaml_Validation(t *testing.T) {
	t.Run("MissingAPIPort", func(t *testing.T) {
		_, err := NewConfigFromYaml(loadYaml(t, `websocket_port: "8081"`), testLogger())
		require.Error(t, err)
	})

	t.Run("MissingWebSocketPort", func(t *testing.T) {
		_, err := NewConfigFromYaml(loadYaml(t, `api_port: "8080"`), testLogger())
		require.Error(t, err)
	})

	t.Run("UnknownRegistryType", func(t *testing.T) {
		_, err := NewConfigFromYaml(loadYaml(t, `
api_port: "8080"
websocket_port: "8081"
registry:
  type: "etcd"
`), testLogger())
		require.Error(t, err)
	})

	t.Run("RedisWithoutAddr", func(t *testing.T) {
		_, err := NewConfigFromYaml(loadYaml(t, `
api_port: "8080"
websocket_port: "8081"
registry:
  type: "redis"
`), testLogger())
		require.Error(t, err)
	})
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("REGISTRY_TYPE", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	base, err := NewConfigFromYaml(loadYaml(t, `
api_port: "8080"
websocket_port: "8081"
`), testLogger())
	require.NoError(t, err)

	cfg, err := UpdateConfigWithEnvOverrides(base, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, "8081", cfg.WebSocketPort, "unset variables leave the base value alone")
	assert.Equal(t, RegistryRedis, cfg.Registry.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Registry.RedisAddr)
}

func TestUpdateConfigWithEnvOverrides_Revalidates(t *testing.T) {
	t.Setenv("REGISTRY_TYPE", "redis")

	base, err := NewConfigFromYaml(loadYaml(t, `
api_port: "8080"
websocket_port: "8081"
`), testLogger())
	require.NoError(t, err)

	_, err = UpdateConfigWithEnvOverrides(base, testLogger())
	require.Error(t, err, "a redis override without an address must fail validation")
}
