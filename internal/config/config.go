package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration (spec §6).
type Config struct {
	// Listen configuration for the client-facing TCP socket.
	Listen ListenConfig `yaml:"listen"`

	// Admin HTTP surface (/metrics, /stats, /healthz, /readyz).
	Admin AdminConfig `yaml:"admin"`

	// Connection and rate-limit ceilings.
	Limits LimitsConfig `yaml:"limits"`

	// Idle/shutdown deadlines.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Wire-frame codec parameters.
	Frame FrameConfig `yaml:"frame"`

	// Static pool -> endpoint-list routing table, keyed by pool name
	// (logic, chat, payment). Overridden at runtime if Redis is configured.
	Routes map[string][]string `yaml:"routes"`

	// Redis configuration, for route hot-reload and the session mirror.
	Redis RedisConfig `yaml:"redis"`

	// Connection pool configuration for downstream connections.
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`

	// Tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Consul service discovery for downstream health checks. Optional.
	Consul ConsulConfig `yaml:"consul"`
}

// ListenConfig is the client-facing listen address.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// AdminConfig is the admin HTTP surface bind address.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// LimitsConfig bounds concurrent connections and request rate.
type LimitsConfig struct {
	MaxConnections int `yaml:"max_connections"`
	GlobalQPS      int `yaml:"global_qps"`
	GlobalBurst    int `yaml:"global_burst"`
	RefillPeriodMs int `yaml:"refill_period_ms"`
}

// TimeoutsConfig bounds idle connections and shutdown.
type TimeoutsConfig struct {
	ReadIdleSec  int `yaml:"read_idle_sec"`
	WriteIdleSec int `yaml:"write_idle_sec"`
	ShutdownSec  int `yaml:"shutdown_sec"`
}

// FrameConfig holds the frame size and compression settings.
// CompressThreshold is passed to the codec. MaxBodyBytes is defaulted and
// validated here but not read by the codec, which always enforces the fixed
// protocol.MaxBodyBytes ceiling (10 MiB).
type FrameConfig struct {
	MaxBodyBytes      int `yaml:"max_body_bytes"`
	CompressThreshold int `yaml:"compress_threshold"`
}

// ConsulConfig configures the optional Consul-backed health poller.
type ConsulConfig struct {
	Address         string        `yaml:"address"`
	ServiceName     string        `yaml:"service_name"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// RedisConfig represents Redis configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RefreshInterval is how often RefreshLoop re-polls the route table as
	// a fallback/complement to pub/sub notification. Zero is replaced by a
	// 10s default; Redis is used only when Addr is set, otherwise Routes is
	// used as-is.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ConnectionPoolConfig represents the downstream connection pool configuration.
type ConnectionPoolConfig struct {
	// Maximum connections across all backend endpoints. Each per-address
	// pool receives this value but does not check it; only
	// MaxConnectionsPerService caps how many connections a pool opens.
	MaxConnections int `yaml:"max_connections"`

	// Maximum connections per backend endpoint
	MaxConnectionsPerService int `yaml:"max_connections_per_service"`

	// Idle connection timeout
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Connection dial timeout
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Connection read timeout
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Connection write timeout
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry configuration
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	JaegerAddr  string `yaml:"jaeger_addr"`
	ServiceName string `yaml:"service_name"`
}

// Load loads configuration from a YAML file, applies environment overrides,
// fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets a small set of operational knobs be overridden
// without editing the YAML file, for container deployments.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("GATEWAY_LISTEN_ADDR"); addr != "" {
		cfg.Listen.Addr = addr
	}
	if addr := os.Getenv("GATEWAY_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
}

// ValidateConfig validates the configuration (exported for hot reload).
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if cfg.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be greater than 0")
	}
	if cfg.Limits.GlobalQPS <= 0 {
		return fmt.Errorf("limits.global_qps must be greater than 0")
	}
	if cfg.Limits.GlobalBurst <= 0 {
		return fmt.Errorf("limits.global_burst must be greater than 0")
	}
	if cfg.Timeouts.ReadIdleSec <= 0 {
		return fmt.Errorf("timeouts.read_idle_sec must be greater than 0")
	}
	if cfg.Timeouts.ShutdownSec <= 0 {
		return fmt.Errorf("timeouts.shutdown_sec must be greater than 0")
	}
	if cfg.Frame.MaxBodyBytes <= 0 {
		return fmt.Errorf("frame.max_body_bytes must be greater than 0")
	}
	if cfg.ConnectionPool.MaxConnectionsPerService <= 0 {
		return fmt.Errorf("connection_pool.max_connections_per_service must be greater than 0")
	}
	if cfg.ConnectionPool.DialTimeout <= 0 {
		return fmt.Errorf("connection_pool.dial_timeout must be greater than 0")
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}

	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits.MaxConnections = 10000
	}
	if cfg.Limits.GlobalQPS == 0 {
		cfg.Limits.GlobalQPS = 5000
	}
	if cfg.Limits.GlobalBurst == 0 {
		cfg.Limits.GlobalBurst = cfg.Limits.GlobalQPS * 2
	}
	if cfg.Limits.RefillPeriodMs == 0 {
		cfg.Limits.RefillPeriodMs = 1000
	}

	if cfg.Timeouts.ReadIdleSec == 0 {
		cfg.Timeouts.ReadIdleSec = 60
	}
	if cfg.Timeouts.WriteIdleSec == 0 {
		cfg.Timeouts.WriteIdleSec = 30
	}
	if cfg.Timeouts.ShutdownSec == 0 {
		cfg.Timeouts.ShutdownSec = 30
	}

	if cfg.Frame.MaxBodyBytes == 0 {
		cfg.Frame.MaxBodyBytes = 10 * 1024 * 1024
	}
	if cfg.Frame.CompressThreshold == 0 {
		cfg.Frame.CompressThreshold = 1024
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "game-gateway:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 5
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}
	if cfg.Redis.RefreshInterval == 0 {
		cfg.Redis.RefreshInterval = 10 * time.Second
	}

	if cfg.ConnectionPool.MaxConnections == 0 {
		cfg.ConnectionPool.MaxConnections = 1000
	}
	if cfg.ConnectionPool.MaxConnectionsPerService == 0 {
		cfg.ConnectionPool.MaxConnectionsPerService = 100
	}
	if cfg.ConnectionPool.IdleTimeout == 0 {
		cfg.ConnectionPool.IdleTimeout = 5 * time.Minute
	}
	if cfg.ConnectionPool.DialTimeout == 0 {
		cfg.ConnectionPool.DialTimeout = 5 * time.Second
	}
	if cfg.ConnectionPool.ReadTimeout == 0 {
		cfg.ConnectionPool.ReadTimeout = 30 * time.Second
	}
	if cfg.ConnectionPool.WriteTimeout == 0 {
		cfg.ConnectionPool.WriteTimeout = 30 * time.Second
	}
	if cfg.ConnectionPool.MaxRetries == 0 {
		cfg.ConnectionPool.MaxRetries = 3
	}
	if cfg.ConnectionPool.RetryDelay == 0 {
		cfg.ConnectionPool.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Consul.RefreshInterval == 0 {
		cfg.Consul.RefreshInterval = 15 * time.Second
	}
}
