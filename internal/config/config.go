package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/pairrelay/internal/ratelimit"
)

// Config is the main configuration structure for the pairing relay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pairing       PairingConfig       `yaml:"pairing"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	WSPath string `yaml:"ws_path"`

	// UpgradeLimit throttles websocket upgrades per client address.
	UpgradeLimit *ratelimit.Config `yaml:"upgrade_limit"`
}

// PairingConfig controls session lifetime and the pairing URL handed to
// dashboards.
type PairingConfig struct {
	// BaseURL is the public origin of the web dashboard.
	BaseURL string `yaml:"base_url"`

	// Path is appended to BaseURL; the token is added as a query parameter.
	Path string `yaml:"path"`

	// TTL is how long a session may live before the sweeper evicts it.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired sessions are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// PersistTimeout bounds a single device record upsert.
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `yaml:"send_buffer"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// ConnectAttempts bounds how often serve tries to reach the database
	// before giving up.
	ConnectAttempts int `yaml:"connect_attempts"`
}

// AuthConfig configures optional dashboard authentication. Phones never
// authenticate; the pairing token is their credential.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	Required    bool          `yaml:"required"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsEnabled *bool         `yaml:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration at path (YAML or JSON5, with $include
// support), applies defaults and environment overrides, and validates it.
// An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		decoded, err := decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3100
	}
	if cfg.Server.WSPath == "" {
		cfg.Server.WSPath = "/ws"
	}
	if cfg.Server.UpgradeLimit == nil {
		limit := ratelimit.DefaultConfig()
		cfg.Server.UpgradeLimit = &limit
	}
	if cfg.Pairing.BaseURL == "" {
		cfg.Pairing.BaseURL = "http://localhost:3000"
	}
	if cfg.Pairing.Path == "" {
		cfg.Pairing.Path = "/whatsapp/qr"
	}
	if cfg.Pairing.TTL == 0 {
		cfg.Pairing.TTL = 3 * time.Minute
	}
	if cfg.Pairing.SweepInterval == 0 {
		cfg.Pairing.SweepInterval = 30 * time.Second
	}
	if cfg.Pairing.PersistTimeout == 0 {
		cfg.Pairing.PersistTimeout = 10 * time.Second
	}
	if cfg.Pairing.SendBuffer == 0 {
		cfg.Pairing.SendBuffer = 16
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnectAttempts == 0 {
		cfg.Database.ConnectAttempts = 5
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 12 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.MetricsEnabled == nil {
		enabled := true
		cfg.Observability.MetricsEnabled = &enabled
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	if value := strings.TrimSpace(getenv("PAIRING_RELAY_PORT")); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = port
		}
	}
	if value := strings.TrimSpace(getenv("PAIRING_BASE_URL")); value != "" {
		cfg.Pairing.BaseURL = value
	}
	if value := strings.TrimSpace(getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
		if getenv("DATABASE_DRIVER") == "" && cfg.Database.Driver == "memory" {
			cfg.Database.Driver = "postgres"
		}
	}
	if value := strings.TrimSpace(getenv("DATABASE_DRIVER")); value != "" {
		cfg.Database.Driver = value
	}
	if value := strings.TrimSpace(getenv("LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
	if value := strings.TrimSpace(getenv("PAIRING_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); value != "" {
		cfg.Observability.Tracing.Endpoint = value
	}
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	parsed, err := url.Parse(c.Pairing.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("pairing.base_url must be an absolute URL, got %q", c.Pairing.BaseURL)
	}
	if c.Pairing.TTL <= 0 {
		return fmt.Errorf("pairing.ttl must be positive")
	}
	if c.Pairing.SweepInterval < time.Second {
		return fmt.Errorf("pairing.sweep_interval must be at least 1s")
	}
	if c.Pairing.PersistTimeout <= 0 {
		return fmt.Errorf("pairing.persist_timeout must be positive")
	}
	if c.Pairing.SendBuffer <= 0 {
		return fmt.Errorf("pairing.send_buffer must be positive")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres", "postgresql", "cockroach", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Auth.Required && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.required needs auth.jwt_secret")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		return fmt.Errorf("observability.tracing.sampling_rate must be within [0,1]")
	}
	return nil
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsOn reports whether /metrics should be served.
func (c ObservabilityConfig) MetricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}
