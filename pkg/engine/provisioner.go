package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/surgecd/surge/pkg/state"
)

// Provisioner is the per-resource-type adapter performing actual
// create/update/destroy calls against a target system. Implementations
// must be safely retryable: a retried Provision must not create a
// duplicate when the prior attempt succeeded but the response was
// lost.
type Provisioner interface {
	// Type returns the resource type this provisioner handles.
	Type() string

	// Provision creates or updates the resource described by the
	// change and returns the provider-assigned identity and resulting
	// properties. Failures must be classified DeployErrors.
	Provision(ctx context.Context, change *ResourceChange) (*ProvisionOutput, error)

	// Destroy removes the resource from the target system.
	Destroy(ctx context.Context, resource *state.Resource) error
}

// ProvisionOutput is the confirmed effect of a successful Provision
// call.
type ProvisionOutput struct {
	// PhysicalID is the provider-assigned identity.
	PhysicalID string `json:"physical_id"`

	// Properties are the resulting properties as reported by the
	// provider.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ProvisionerRegistry maps resource types to provisioners. Safe for
// concurrent use.
type ProvisionerRegistry struct {
	mu           sync.RWMutex
	provisioners map[string]Provisioner
}

// NewProvisionerRegistry creates an empty registry.
func NewProvisionerRegistry() *ProvisionerRegistry {
	return &ProvisionerRegistry{
		provisioners: make(map[string]Provisioner),
	}
}

// Register adds a provisioner for its resource type. Registering a
// duplicate type is an error.
func (r *ProvisionerRegistry) Register(p Provisioner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := p.Type()
	if t == "" {
		return NewPermanentError("provisioner has empty type", nil).
			WithCode(ErrCodeValidation)
	}
	if _, exists := r.provisioners[t]; exists {
		return NewPermanentError(
			fmt.Sprintf("provisioner already registered for type %s", t), nil).
			WithCode(ErrCodeValidation)
	}
	r.provisioners[t] = p
	return nil
}

// Get returns the provisioner for a resource type.
func (r *ProvisionerRegistry) Get(resourceType string) (Provisioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.provisioners[resourceType]
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no provisioner registered for type %s", resourceType), nil).
			WithCode(ErrCodeValidation)
	}
	return p, nil
}

// Types returns the registered resource types in lexical order.
func (r *ProvisionerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.provisioners))
	for t := range r.provisioners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
