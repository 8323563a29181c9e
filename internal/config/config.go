// Package config provides configuration management for the serving control plane.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/service"
)

// Config holds all configuration for the service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Plugin      PluginConfig      `mapstructure:"plugin"`
	AutoScaler  AutoScalerConfig  `mapstructure:"autoscaler"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	GRPCHealth  GRPCHealthConfig  `mapstructure:"grpc_health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// PluginConfig holds the admission and lifecycle policy.
type PluginConfig struct {
	AutoScaling          bool          `mapstructure:"auto_scaling"`
	MaxReplicasPerTenant int           `mapstructure:"max_replicas_per_tenant"`
	ResourceIsolation    bool          `mapstructure:"resource_isolation"`
	EnableGPUSharing     bool          `mapstructure:"enable_gpu_sharing"`
	GPUSlots             int           `mapstructure:"gpu_slots"`
	DeployingTimeout     time.Duration `mapstructure:"deploying_timeout"`
	SupervisorInterval   time.Duration `mapstructure:"supervisor_interval"`
	LatencyWindow        int           `mapstructure:"latency_window"`
}

// AutoScalerConfig holds the request-rate scaling loop settings.
type AutoScalerConfig struct {
	Interval                 time.Duration `mapstructure:"interval"`
	TargetRequestsPerReplica float64       `mapstructure:"target_requests_per_replica"`
	ScaleDownRatio           float64       `mapstructure:"scale_down_ratio"`
	MinReplicas              int           `mapstructure:"min_replicas"`
}

// DatabaseConfig holds PostgreSQL persistence configuration.
type DatabaseConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	MinConnections int           `mapstructure:"min_connections"`
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	// ReconcileInterval is how often a behind repository is resynced
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// RedisConfig holds the idempotency store configuration. When disabled an
// in-memory store is used.
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	PoolSize       int           `mapstructure:"pool_size"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	LocalMaxKeys   int           `mapstructure:"local_max_keys"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
	// MaxTenants bounds the per-tenant limiter table
	MaxTenants  int           `mapstructure:"max_tenants"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// GRPCHealthConfig holds the grpc.health.v1 endpoint settings.
type GRPCHealthConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	Port                 int  `mapstructure:"port"`
	MaxConcurrentStreams int  `mapstructure:"max_concurrent_streams"`
	Reflection           bool `mapstructure:"reflection"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tenantserve/")
	}

	v.SetEnvPrefix("TENANTSERVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	defaults := model.DefaultPluginConfig()
	v.SetDefault("plugin.auto_scaling", defaults.AutoScaling)
	v.SetDefault("plugin.max_replicas_per_tenant", defaults.MaxReplicasPerTenant)
	v.SetDefault("plugin.resource_isolation", defaults.ResourceIsolation)
	v.SetDefault("plugin.enable_gpu_sharing", defaults.EnableGPUSharing)
	v.SetDefault("plugin.gpu_slots", defaults.GPUSlots)
	v.SetDefault("plugin.deploying_timeout", defaults.DeployingTimeout.String())
	v.SetDefault("plugin.supervisor_interval", defaults.SupervisorInterval.String())
	v.SetDefault("plugin.latency_window", 1024)

	v.SetDefault("autoscaler.interval", "30s")
	v.SetDefault("autoscaler.target_requests_per_replica", 50.0)
	v.SetDefault("autoscaler.scale_down_ratio", 0.3)
	v.SetDefault("autoscaler.min_replicas", 1)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "tenantserve")
	v.SetDefault("database.user", "tenantserve")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 1)
	v.SetDefault("database.queue_size", 4096)
	v.SetDefault("database.write_timeout", "5s")
	v.SetDefault("database.reconcile_interval", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.key_prefix", "tenantserve:")
	v.SetDefault("redis.idempotency_ttl", "24h")
	v.SetDefault("redis.local_max_keys", 10000)

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)
	v.SetDefault("rate_limiter.max_tenants", 10000)
	v.SetDefault("rate_limiter.idle_timeout", "10m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("grpc_health.enabled", false)
	v.SetDefault("grpc_health.port", 9091)
	v.SetDefault("grpc_health.max_concurrent_streams", 100)
	v.SetDefault("grpc_health.reflection", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Plugin.MaxReplicasPerTenant < 1 {
		return fmt.Errorf("plugin.max_replicas_per_tenant must be at least 1")
	}
	if c.Plugin.GPUSlots < 0 {
		return fmt.Errorf("plugin.gpu_slots must not be negative")
	}
	if c.Plugin.DeployingTimeout <= 0 {
		return fmt.Errorf("plugin.deploying_timeout must be positive")
	}
	if c.Plugin.SupervisorInterval <= 0 {
		return fmt.Errorf("plugin.supervisor_interval must be positive")
	}
	if c.Plugin.SupervisorInterval > c.Plugin.DeployingTimeout {
		return fmt.Errorf("plugin.supervisor_interval (%s) must not exceed plugin.deploying_timeout (%s)",
			c.Plugin.SupervisorInterval, c.Plugin.DeployingTimeout)
	}

	if c.Plugin.AutoScaling {
		if c.AutoScaler.Interval <= 0 {
			return fmt.Errorf("autoscaler.interval must be positive")
		}
		if c.AutoScaler.TargetRequestsPerReplica <= 0 {
			return fmt.Errorf("autoscaler.target_requests_per_replica must be positive")
		}
		if c.AutoScaler.MinReplicas > c.Plugin.MaxReplicasPerTenant {
			return fmt.Errorf("autoscaler.min_replicas exceeds plugin.max_replicas_per_tenant")
		}
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if c.Database.ReconcileInterval <= 0 {
			return fmt.Errorf("database.reconcile_interval must be positive")
		}
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics port must differ from server port")
		}
	}

	if c.GRPCHealth.Enabled {
		if c.GRPCHealth.Port <= 0 || c.GRPCHealth.Port > 65535 {
			return fmt.Errorf("invalid grpc health port: %d", c.GRPCHealth.Port)
		}
		if c.GRPCHealth.Port == c.Server.Port || (c.Metrics.Enabled && c.GRPCHealth.Port == c.Metrics.Port) {
			return fmt.Errorf("grpc health port must differ from server and metrics ports")
		}
	}

	return nil
}

// PluginPolicy converts the plugin section into the core policy value.
func (c *Config) PluginPolicy() model.PluginConfig {
	return model.PluginConfig{
		AutoScaling:          c.Plugin.AutoScaling,
		MaxReplicasPerTenant: c.Plugin.MaxReplicasPerTenant,
		ResourceIsolation:    c.Plugin.ResourceIsolation,
		EnableGPUSharing:     c.Plugin.EnableGPUSharing,
		GPUSlots:             c.Plugin.GPUSlots,
		DeployingTimeout:     c.Plugin.DeployingTimeout,
		SupervisorInterval:   c.Plugin.SupervisorInterval,
	}
}

// AutoScalerSettings converts the autoscaler section for the service layer.
func (c *Config) AutoScalerSettings() service.AutoScalerConfig {
	return service.AutoScalerConfig{
		Interval:                 c.AutoScaler.Interval,
		TargetRequestsPerReplica: c.AutoScaler.TargetRequestsPerReplica,
		ScaleDownRatio:           c.AutoScaler.ScaleDownRatio,
		MinReplicas:              c.AutoScaler.MinReplicas,
		MaxReplicas:              c.Plugin.MaxReplicasPerTenant,
	}
}
