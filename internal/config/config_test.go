package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Plugin: PluginConfig{
			MaxReplicasPerTenant: 10,
			DeployingTimeout:     5 * time.Minute,
			SupervisorInterval:   5 * time.Second,
		},
		RateLimiter: RateLimiterConfig{Enabled: true, RequestsPerSecond: 10, BurstSize: 5},
		Metrics:     MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.False(t, cfg.Plugin.AutoScaling)
	assert.Equal(t, 10, cfg.Plugin.MaxReplicasPerTenant)
	assert.True(t, cfg.Plugin.ResourceIsolation)
	assert.False(t, cfg.Plugin.EnableGPUSharing)
	assert.Equal(t, 0, cfg.Plugin.GPUSlots)
	assert.Equal(t, 5*time.Minute, cfg.Plugin.DeployingTimeout)
	assert.Equal(t, 5*time.Second, cfg.Plugin.SupervisorInterval)
	assert.Equal(t, 1024, cfg.Plugin.LatencyWindow)

	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Database.ReconcileInterval)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Redis.IdempotencyTTL)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 10000, cfg.RateLimiter.MaxTenants)
	assert.Equal(t, 10*time.Minute, cfg.RateLimiter.IdleTimeout)
	assert.False(t, cfg.GRPCHealth.Enabled)
	assert.Equal(t, 9091, cfg.GRPCHealth.Port)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8181
plugin:
  auto_scaling: true
  max_replicas_per_tenant: 4
  enable_gpu_sharing: true
  gpu_slots: 16
  deploying_timeout: 90s
  supervisor_interval: 1s
autoscaler:
  target_requests_per_replica: 25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	policy := cfg.PluginPolicy()
	assert.True(t, policy.AutoScaling)
	assert.Equal(t, 4, policy.MaxReplicasPerTenant)
	assert.True(t, policy.EnableGPUSharing)
	assert.Equal(t, 16, policy.GPUSlots)
	assert.Equal(t, 90*time.Second, policy.DeployingTimeout)
	assert.Equal(t, time.Second, policy.SupervisorInterval)

	as := cfg.AutoScalerSettings()
	assert.Equal(t, 25.0, as.TargetRequestsPerReplica)
	assert.Equal(t, 4, as.MaxReplicas)
	assert.Equal(t, 30*time.Second, as.Interval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o600))

	t.Setenv("TENANTSERVE_PLUGIN_MAX_REPLICAS_PER_TENANT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Plugin.MaxReplicasPerTenant)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugin:\n  max_replicas_per_tenant: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad server port", func(c *Config) { c.Server.Port = 0 }, true},
		{"zero replica limit", func(c *Config) { c.Plugin.MaxReplicasPerTenant = 0 }, true},
		{"negative gpu slots", func(c *Config) { c.Plugin.GPUSlots = -1 }, true},
		{"zero deploying timeout", func(c *Config) { c.Plugin.DeployingTimeout = 0 }, true},
		{"supervisor slower than timeout", func(c *Config) { c.Plugin.SupervisorInterval = time.Hour }, true},
		{"autoscaler without target", func(c *Config) {
			c.Plugin.AutoScaling = true
			c.AutoScaler.Interval = time.Second
		}, true},
		{"autoscaler configured", func(c *Config) {
			c.Plugin.AutoScaling = true
			c.AutoScaler.Interval = time.Second
			c.AutoScaler.TargetRequestsPerReplica = 10
			c.AutoScaler.MinReplicas = 1
		}, false},
		{"database without host", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Database = "db"
			c.Database.User = "u"
		}, true},
		{"database without reconcile interval", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Host = "localhost"
			c.Database.Database = "db"
			c.Database.User = "u"
			c.Database.ReconcileInterval = 0
		}, true},
		{"redis without host", func(c *Config) { c.Redis.Enabled = true }, true},
		{"grpc health on metrics port", func(c *Config) {
			c.GRPCHealth.Enabled = true
			c.GRPCHealth.Port = c.Metrics.Port
		}, true},
		{"grpc health on its own port", func(c *Config) {
			c.GRPCHealth.Enabled = true
			c.GRPCHealth.Port = 9191
		}, false},
		{"rate limiter without rate", func(c *Config) { c.RateLimiter.RequestsPerSecond = 0 }, true},
		{"metrics on server port", func(c *Config) { c.Metrics.Port = 8080 }, true},
		{"metrics disabled ignores port", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Port = 8080
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
