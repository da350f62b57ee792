package engine

import (
	"time"

	"github.com/surgecd/surge/pkg/state"
)

// ResourceChange is one planned change: a resource, the action it
// needs, and (for updates and deletes) the pre-change snapshot used
// by rollback.
type ResourceChange struct {
	// Resource is the desired resource for create/update, or the
	// recorded resource for delete.
	Resource *state.Resource `json:"resource"`

	// Stack is the stack that owns the resource.
	Stack string `json:"stack"`

	// Action is the change classification.
	Action Action `json:"action"`

	// PreviousSnapshot is the state-store record before this change.
	// Set for UPDATE and DELETE; nil for CREATE.
	PreviousSnapshot *state.Resource `json:"previous_snapshot,omitempty"`
}

// Wave is a set of changes with no mutual dependency, safe to execute
// concurrently.
type Wave struct {
	// Index is the wave's position in the plan, starting at 0.
	Index int `json:"index"`

	// Changes are the resource changes in this wave, unordered.
	Changes []ResourceChange `json:"changes"`
}

// DeploymentPlan is an ordered list of waves. Every dependency of a
// resource in wave k is either NOOP-resolved or completed in an
// earlier wave. Plans are immutable once built and safe to share
// across worker goroutines.
type DeploymentPlan struct {
	// ID is the plan identity: a digest of the requested resources
	// and their desired properties, independent of how much of the
	// plan has already been applied. Replanning the same request
	// yields the same ID, which is what lets a resumed run find its
	// checkpoint.
	ID string `json:"id"`

	// Environment is the environment being deployed.
	Environment string `json:"environment"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`

	// Waves are the ordered execution waves.
	Waves []Wave `json:"waves"`

	// Noops lists resources whose recorded state already matches the
	// desired specification. They are excluded from waves but remain
	// valid dependency anchors.
	Noops []string `json:"noops,omitempty"`

	// Summary provides change counts by action.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// Total is the total number of desired resources considered.
	Total int `json:"total"`

	// ToCreate is the number of resources to create.
	ToCreate int `json:"to_create"`

	// ToUpdate is the number of resources to update.
	ToUpdate int `json:"to_update"`

	// ToDelete is the number of resources to delete.
	ToDelete int `json:"to_delete"`

	// NoChange is the number of resources with no changes.
	NoChange int `json:"no_change"`
}

// IsEmpty reports whether the plan contains no mutating changes.
func (p *DeploymentPlan) IsEmpty() bool {
	return len(p.Waves) == 0
}

// ChangeCount returns the number of mutating changes in the plan.
func (p *DeploymentPlan) ChangeCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Changes)
	}
	return n
}

// Graph reconstructs the dependency graph over the plan's changes,
// with edges as declared (dependent to dependency). Dependencies
// satisfied outside the plan (NOOP anchors, recorded resources) are
// not nodes and get no edge.
func (p *DeploymentPlan) Graph() *DependencyGraph {
	g := NewDependencyGraph()
	for i := range p.Waves {
		for j := range p.Waves[i].Changes {
			g.AddNode(p.Waves[i].Changes[j].Resource.ID)
		}
	}
	for i := range p.Waves {
		for j := range p.Waves[i].Changes {
			change := &p.Waves[i].Changes[j]
			for _, dep := range change.Resource.Dependencies {
				if !g.HasNode(dep) {
					continue
				}
				_ = g.AddEdge(change.Resource.ID, dep)
			}
		}
	}
	return g
}

// Change returns the planned change for a resource ID, if any.
func (p *DeploymentPlan) Change(resourceID string) (*ResourceChange, bool) {
	for i := range p.Waves {
		for j := range p.Waves[i].Changes {
			if p.Waves[i].Changes[j].Resource.ID == resourceID {
				return &p.Waves[i].Changes[j], true
			}
		}
	}
	return nil, false
}

// ExecutionResult is the per-resource outcome of executing a change.
// A resource's failure is ordinary data here, not an error unwinding
// the wave.
type ExecutionResult struct {
	// ResourceID is the resource this result belongs to.
	ResourceID string `json:"resource_id"`

	// Action is the action that was attempted.
	Action Action `json:"action"`

	// Status is the final status of the change.
	Status ResourceStatus `json:"status"`

	// StartTime is when execution of the change began.
	StartTime time.Time `json:"start_time"`

	// EndTime is when execution of the change finished.
	EndTime time.Time `json:"end_time"`

	// Attempts is the number of provisioner calls made (1 means no
	// retries were needed).
	Attempts int `json:"attempts"`

	// Error is the classified failure, if any.
	Error *DeployError `json:"error,omitempty"`
}

// Duration returns the elapsed execution time for the change.
func (r *ExecutionResult) Duration() time.Duration {
	if r.EndTime.IsZero() || r.StartTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// WaveResult summarizes one wave's execution.
type WaveResult struct {
	// Index is the wave index.
	Index int `json:"index"`

	// Succeeded is the number of changes that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of changes that failed.
	Failed int `json:"failed"`

	// Skipped is the number of changes not executed because an
	// earlier wave failed.
	Skipped int `json:"skipped"`

	// Resumed is the number of changes confirmed by an interrupted
	// earlier run and carried over without re-execution. They are
	// included in Succeeded.
	Resumed int `json:"resumed"`

	// Duration is the wall-clock time the wave took.
	Duration time.Duration `json:"duration"`
}

// DeploymentResult aggregates a run's outcome. The caller can see
// which resources are durably reflected in state, which were never
// attempted, and which failed mid-flight.
type DeploymentResult struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// PlanID is the identity of the executed plan.
	PlanID string `json:"plan_id"`

	// Environment is the environment that was deployed.
	Environment string `json:"environment"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Success is true only if every change succeeded.
	Success bool `json:"success"`

	// StartTime is when the run started.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the run finished.
	EndTime time.Time `json:"end_time"`

	// Resources maps resource IDs to their execution results.
	Resources map[string]*ExecutionResult `json:"resources"`

	// Waves are the per-wave summaries in execution order.
	Waves []WaveResult `json:"waves"`
}

// CountByStatus returns how many resources finished with the given
// status.
func (r *DeploymentResult) CountByStatus(status ResourceStatus) int {
	n := 0
	for _, res := range r.Resources {
		if res.Status == status {
			n++
		}
	}
	return n
}

// ProgressEvent is delivered to the progress callback on every
// resource state transition and wave boundary.
type ProgressEvent struct {
	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// ResourceID is the resource involved, empty for wave events.
	ResourceID string `json:"resource_id,omitempty"`

	// Wave is the wave index the event belongs to.
	Wave int `json:"wave"`

	// Status is the resource status after the transition.
	Status ResourceStatus `json:"status,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Err is the failure associated with the transition, if any.
	Err error `json:"-"`
}

// ProgressFunc receives progress events. Implementations must be safe
// for concurrent use: within a wave, workers report concurrently.
type ProgressFunc func(ProgressEvent)

// RollbackChange is one compensating change in a rollback plan.
type RollbackChange struct {
	// Resource is the resource to destroy or restore.
	Resource *state.Resource `json:"resource"`

	// Stack is the stack that owns the resource.
	Stack string `json:"stack"`

	// Action is the compensating action: delete for resources that
	// were created, update (re-provision from snapshot) for resources
	// that were updated.
	Action Action `json:"action"`
}

// RollbackPlan is an ordered list of compensating changes. Order is
// the reverse of the deployment's topological order, so dependents are
// destroyed before their dependencies.
type RollbackPlan struct {
	// RunID is the failed run this plan compensates for.
	RunID string `json:"run_id"`

	// PlanID is the identity of the original deployment plan.
	PlanID string `json:"plan_id"`

	// Changes are the compensating changes, already ordered.
	Changes []RollbackChange `json:"changes"`

	// CreatedAt is when the rollback plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// RollbackResult reports every compensating change's outcome. A
// failure rolling back one resource never halts the rest; the caller
// sees exactly what could not be reverted.
type RollbackResult struct {
	// RunID is the run that was rolled back.
	RunID string `json:"run_id"`

	// Success is true only if every compensating change succeeded.
	Success bool `json:"success"`

	// Resources maps resource IDs to their rollback outcomes.
	Resources map[string]*ExecutionResult `json:"resources"`

	// StartTime is when the rollback started.
	StartTime time.Time `json:"start_time"`

	// EndTime is when the rollback finished.
	EndTime time.Time `json:"end_time"`
}
