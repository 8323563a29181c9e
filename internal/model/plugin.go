package model

import "time"

// PluginConfig is the admission and lifecycle policy for one session
type PluginConfig struct {
	AutoScaling          bool `json:"auto_scaling"`
	MaxReplicasPerTenant int  `json:"max_replicas_per_tenant"`
	ResourceIsolation    bool `json:"resource_isolation"`
	EnableGPUSharing     bool `json:"enable_gpu_sharing"`
	// GPUSlots is the size of the shared GPU pool; 0 means unbounded
	GPUSlots           int           `json:"gpu_slots"`
	DeployingTimeout   time.Duration `json:"deploying_timeout"`
	SupervisorInterval time.Duration `json:"supervisor_interval"`
}

// DefaultPluginConfig returns the policy used when nothing is configured
func DefaultPluginConfig() PluginConfig {
	return PluginConfig{
		AutoScaling:          false,
		MaxReplicasPerTenant: 10,
		ResourceIsolation:    true,
		EnableGPUSharing:     false,
		GPUSlots:             0,
		DeployingTimeout:     5 * time.Minute,
		SupervisorInterval:   5 * time.Second,
	}
}
