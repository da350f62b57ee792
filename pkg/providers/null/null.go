// Package null provides an in-memory provisioner. It is used for dry
// runs, demos, and tests where changes should flow through the full
// execution pipeline without touching any real system.
package null

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/state"
)

// Provisioner records provisioned resources in memory. Physical IDs
// are derived from the resource ID, so a retried Provision converges
// on the same identity instead of creating a duplicate.
type Provisioner struct {
	resourceType string
	logger       zerolog.Logger

	mu        sync.Mutex
	resources map[string]*engine.ProvisionOutput
}

// NewProvisioner creates a null provisioner for the given resource
// type.
func NewProvisioner(resourceType string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		resourceType: resourceType,
		logger:       logger.With().Str("component", "null-provisioner").Str("type", resourceType).Logger(),
		resources:    make(map[string]*engine.ProvisionOutput),
	}
}

// Type returns the resource type this provisioner handles.
func (p *Provisioner) Type() string {
	return p.resourceType
}

// Provision records the resource and returns a deterministic physical
// ID. A "fail" property of "transient" or "permanent" makes the call
// fail with that error class, which is how demos exercise retries and
// the circuit breaker.
func (p *Provisioner) Provision(ctx context.Context, change *engine.ResourceChange) (*engine.ProvisionOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewTransientError("provision cancelled", err).
			WithResource(change.Resource.ID).
			WithCode(engine.ErrCodeCancelled)
	}

	res := change.Resource
	if mode, ok := res.Properties["fail"].(string); ok {
		switch mode {
		case "transient":
			return nil, engine.NewTransientError("injected transient failure", nil).
				WithResource(res.ID).
				WithCode(engine.ErrCodeProvisionFailed)
		case "permanent":
			return nil, engine.NewPermanentError("injected permanent failure", nil).
				WithResource(res.ID).
				WithCode(engine.ErrCodeProvisionFailed)
		}
	}

	props := make(map[string]interface{}, len(res.Properties))
	for k, v := range res.Properties {
		props[k] = v
	}

	out := &engine.ProvisionOutput{
		PhysicalID: fmt.Sprintf("null-%s", res.ID),
		Properties: props,
	}

	p.mu.Lock()
	p.resources[res.ID] = out
	p.mu.Unlock()

	p.logger.Debug().
		Str("resource", res.ID).
		Str("action", string(change.Action)).
		Msg("provisioned resource")

	return out, nil
}

// Destroy forgets the resource. Destroying an unknown resource is a
// no-op so repeated rollbacks stay idempotent.
func (p *Provisioner) Destroy(ctx context.Context, resource *state.Resource) error {
	if err := ctx.Err(); err != nil {
		return engine.NewTransientError("destroy cancelled", err).
			WithResource(resource.ID).
			WithCode(engine.ErrCodeCancelled)
	}

	p.mu.Lock()
	delete(p.resources, resource.ID)
	p.mu.Unlock()

	p.logger.Debug().Str("resource", resource.ID).Msg("destroyed resource")
	return nil
}

// Exists reports whether a resource is currently provisioned.
func (p *Provisioner) Exists(resourceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resources[resourceID]
	return ok
}

// Count returns the number of provisioned resources.
func (p *Provisioner) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}
