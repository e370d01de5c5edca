package config

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlRegistryConfig struct {
	Type                     string          `yaml:"type"` // "memory" or "redis"
	Redis                    YamlRedisConfig `yaml:"redis"`
	ReconcileIntervalSeconds int             `yaml:"reconcile_interval_seconds"`
}

type YamlAuthConfig struct {
	JWKSURL                 string `yaml:"jwks_url"`
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	RunMode       string             `yaml:"run_mode"`
	APIPort       string             `yaml:"api_port"`
	WebSocketPort string             `yaml:"websocket_port"`
	Cors          YamlCorsConfig     `yaml:"cors"`
	Auth          YamlAuthConfig     `yaml:"auth"`
	Registry      YamlRegistryConfig `yaml:"registry"`
}
