// Package admission decides whether a deploy or scale request fits the
// tenant and pool capacity limits.
package admission

import (
	apierrors "github.com/tridentbiz/adios-multi-tenant-serving/internal/errors"
	"github.com/tridentbiz/adios-multi-tenant-serving/internal/model"
)

// View is the read access admission needs. *store.Tx satisfies it.
type View interface {
	List() []*model.TenantDeployment
	ForTenant(tenantID string) []*model.TenantDeployment
}

// Request asks for capacity. For a scale request DeploymentID names the
// deployment being resized and Replicas is its new size.
type Request struct {
	TenantID     string
	Replicas     int
	DeploymentID string
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed   bool
	Reason    apierrors.Kind
	Message   string
	Predicate string
}

// Allow is the positive decision
var Allow = Decision{Allowed: true}

// Deny builds a negative decision
func Deny(reason apierrors.Kind, message string) *Decision {
	return &Decision{Reason: reason, Message: message}
}

// Err returns the decision as a typed error, nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apierrors.New(d.Reason, d.Message, nil).
		WithDetail("predicate", d.Predicate)
}

// Predicate is one admission rule. Evaluate returns nil to pass.
type Predicate interface {
	Name() string
	Evaluate(view View, req Request) *Decision
}

// Policy evaluates predicates in order and stops at the first denial
type Policy struct {
	predicates []Predicate
}

// NewPolicy builds the standard predicate chain from the plugin config
func NewPolicy(cfg model.PluginConfig) *Policy {
	return NewPolicyWithPredicates(
		Quarantine{Enabled: cfg.ResourceIsolation},
		ReplicaLimit{MaxPerTenant: cfg.MaxReplicasPerTenant},
		ExclusiveGPU{SharingEnabled: cfg.EnableGPUSharing, Slots: cfg.GPUSlots},
	)
}

// NewPolicyWithPredicates builds a policy from an explicit chain
func NewPolicyWithPredicates(predicates ...Predicate) *Policy {
	return &Policy{predicates: predicates}
}

// Predicates returns the names of the chain in evaluation order
func (p *Policy) Predicates() []string {
	names := make([]string, len(p.predicates))
	for i, pr := range p.predicates {
		names[i] = pr.Name()
	}
	return names
}

// Admit runs the chain
func (p *Policy) Admit(view View, req Request) Decision {
	for _, pr := range p.predicates {
		if d := pr.Evaluate(view, req); d != nil && !d.Allowed {
			out := *d
			out.Predicate = pr.Name()
			return out
		}
	}
	return Allow
}
