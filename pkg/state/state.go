// Package state provides durable, versioned persistence for deployed
// resources. The state file is the single source of truth consulted by
// planning and mutated only after confirmed provider effects.
package state

import (
	"time"
)

// SchemaVersion is the current state file schema version.
// Readers must tolerate additive fields from newer minor versions.
const SchemaVersion = "1.1"

// Resource represents a single managed resource as recorded in state.
type Resource struct {
	// ID is the resource identifier, unique within a stack.
	ID string `json:"id"`

	// Type is the resource type (e.g., "server", "bucket", "dns.record").
	Type string `json:"type"`

	// PhysicalID is the provider-assigned identity. It is set only after
	// a confirmed successful create and is empty otherwise.
	PhysicalID string `json:"physical_id,omitempty"`

	// Properties is the opaque, provider-specific specification.
	Properties map[string]interface{} `json:"properties"`

	// Dependencies lists resource IDs this resource requires.
	Dependencies []string `json:"dependencies,omitempty"`

	// Tags are key-value pairs for selection and organization.
	Tags map[string]string `json:"tags,omitempty"`

	// Metadata contains additional bookkeeping fields.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the resource. Plans hold snapshots of
// state resources and must not alias the store's maps.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := &Resource{
		ID:         r.ID,
		Type:       r.Type,
		PhysicalID: r.PhysicalID,
	}
	if r.Properties != nil {
		c.Properties = make(map[string]interface{}, len(r.Properties))
		for k, v := range r.Properties {
			c.Properties[k] = v
		}
	}
	if r.Dependencies != nil {
		c.Dependencies = append([]string(nil), r.Dependencies...)
	}
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Stack is a named collection of resources. Stacks are independent
// namespaces for dependency resolution but may cross-reference by
// resource ID.
type Stack struct {
	// Resources maps resource IDs to their recorded state.
	Resources map[string]*Resource `json:"resources"`

	// Outputs are values exported by the stack for consumers.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Metadata contains additional stack metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{
		Resources: make(map[string]*Resource),
	}
}

// State is the versioned snapshot of everything deployed to an
// environment.
type State struct {
	// Version is the schema version of this snapshot.
	Version string `json:"version"`

	// Environment is the environment this state belongs to.
	Environment string `json:"environment"`

	// Region is the target region, if applicable.
	Region string `json:"region,omitempty"`

	// Account is the target account identifier, if applicable.
	Account string `json:"account,omitempty"`

	// ProjectName is the owning project.
	ProjectName string `json:"project_name,omitempty"`

	// Timestamp is when this snapshot was last written.
	Timestamp time.Time `json:"timestamp"`

	// Stacks maps stack names to their resources.
	Stacks map[string]*Stack `json:"stacks"`
}

// NewState creates an empty state snapshot for an environment.
func NewState(environment string) *State {
	return &State{
		Version:     SchemaVersion,
		Environment: environment,
		Timestamp:   time.Now().UTC(),
		Stacks:      make(map[string]*Stack),
	}
}

// Resource returns the resource with the given ID, searching all
// stacks.
func (s *State) Resource(id string) (*Resource, bool) {
	for _, stack := range s.Stacks {
		if r, ok := stack.Resources[id]; ok {
			return r, true
		}
	}
	return nil, false
}

// StackOf returns the name of the stack containing the resource.
func (s *State) StackOf(id string) (string, bool) {
	for name, stack := range s.Stacks {
		if _, ok := stack.Resources[id]; ok {
			return name, true
		}
	}
	return "", false
}

// AllResources returns every resource across all stacks.
func (s *State) AllResources() []*Resource {
	var out []*Resource
	for _, stack := range s.Stacks {
		for _, r := range stack.Resources {
			out = append(out, r)
		}
	}
	return out
}

// ResourceCount returns the total number of resources in the state.
func (s *State) ResourceCount() int {
	n := 0
	for _, stack := range s.Stacks {
		n += len(stack.Resources)
	}
	return n
}

// Clone returns a deep copy of the state. Rollback planning captures a
// pre-run snapshot this way.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := &State{
		Version:     s.Version,
		Environment: s.Environment,
		Region:      s.Region,
		Account:     s.Account,
		ProjectName: s.ProjectName,
		Timestamp:   s.Timestamp,
		Stacks:      make(map[string]*Stack, len(s.Stacks)),
	}
	for name, stack := range s.Stacks {
		cs := NewStack()
		for id, r := range stack.Resources {
			cs.Resources[id] = r.Clone()
		}
		if stack.Outputs != nil {
			cs.Outputs = make(map[string]interface{}, len(stack.Outputs))
			for k, v := range stack.Outputs {
				cs.Outputs[k] = v
			}
		}
		c.Stacks[name] = cs
	}
	return c
}
