package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/state"
)

// RollbackManager computes and executes compensating plans for failed
// or partially-completed runs. Rollback is never triggered implicitly:
// the caller requests it, either right after a failed run or later
// against a stored result.
type RollbackManager struct {
	stateMgr     *state.Manager
	provisioners *ProvisionerRegistry
	retryer      *Retryer
	breakers     *BreakerRegistry
	logger       zerolog.Logger
}

// NewRollbackManager creates a rollback manager.
func NewRollbackManager(
	stateMgr *state.Manager,
	provisioners *ProvisionerRegistry,
	retryer *Retryer,
	breakers *BreakerRegistry,
	logger zerolog.Logger,
) *RollbackManager {
	return &RollbackManager{
		stateMgr:     stateMgr,
		provisioners: provisioners,
		retryer:      retryer,
		breakers:     breakers,
		logger:       logger.With().Str("component", "rollback").Logger(),
	}
}

// PlanRollback identifies the compensating changes for a run:
// successful CREATEs are destroyed, successful UPDATEs are
// re-provisioned with their pre-run snapshot (a best-effort restore,
// since provisioners apply a desired spec and cannot revert arbitrary
// side effects). Destruction order is the reverse of the deployment's
// topological order, so dependents go before their dependencies.
func (m *RollbackManager) PlanRollback(result *DeploymentResult, preState *state.State) (*RollbackPlan, error) {
	if result == nil {
		return nil, NewPermanentError("deployment result is nil", nil).
			WithCode(ErrCodeValidation)
	}
	if preState == nil {
		return nil, NewPermanentError("pre-run state snapshot is nil", nil).
			WithCode(ErrCodeValidation)
	}

	currentState, err := m.stateMgr.Snapshot()
	if err != nil {
		return nil, err
	}

	changes := make(map[string]RollbackChange)
	for id, res := range result.Resources {
		if res.Status != StatusSuccess {
			continue
		}
		switch res.Action {
		case ActionCreate:
			// The created record, including its physical_id, lives in
			// the state store now.
			recorded, ok := currentState.Resource(id)
			if !ok {
				// Created during the run, already gone from state.
				// Nothing durable to destroy.
				m.logger.Warn().Str("resource", id).Msg("created resource missing from state, skipping rollback")
				continue
			}
			stackName, _ := currentState.StackOf(id)
			changes[id] = RollbackChange{
				Resource: recorded.Clone(),
				Stack:    stackName,
				Action:   ActionDelete,
			}
		case ActionUpdate:
			snapshot, ok := preState.Resource(id)
			if !ok {
				m.logger.Warn().Str("resource", id).Msg("no pre-run snapshot for updated resource, skipping rollback")
				continue
			}
			stackName, _ := preState.StackOf(id)
			changes[id] = RollbackChange{
				Resource: snapshot.Clone(),
				Stack:    stackName,
				Action:   ActionUpdate,
			}
		}
	}

	ordered, err := m.orderForRollback(changes)
	if err != nil {
		return nil, err
	}

	plan := &RollbackPlan{
		RunID:     result.RunID,
		PlanID:    result.PlanID,
		Changes:   ordered,
		CreatedAt: time.Now().UTC(),
	}

	m.logger.Info().
		Str("run_id", result.RunID).
		Int("changes", len(ordered)).
		Msg("rollback plan computed")
	return plan, nil
}

// orderForRollback sorts the compensating changes in reverse
// dependency order.
func (m *RollbackManager) orderForRollback(changes map[string]RollbackChange) ([]RollbackChange, error) {
	graph := NewDependencyGraph()
	for id := range changes {
		graph.AddNode(id)
	}
	for id, change := range changes {
		for _, dep := range change.Resource.Dependencies {
			if _, ok := changes[dep]; ok {
				if err := graph.AddEdge(id, dep); err != nil {
					return nil, err
				}
			}
		}
	}

	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	// Deployment order puts dependencies first; rollback destroys
	// dependents first.
	ordered := make([]RollbackChange, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		ordered = append(ordered, changes[order[i]])
	}
	return ordered, nil
}

// ExecuteRollback applies the compensating changes in order. A
// per-resource failure is recorded and never halts the remaining
// changes; the result shows exactly what could not be reverted.
func (m *RollbackManager) ExecuteRollback(ctx context.Context, plan *RollbackPlan) (*RollbackResult, error) {
	if plan == nil {
		return nil, NewPermanentError("rollback plan is nil", nil).
			WithCode(ErrCodeValidation)
	}

	result := &RollbackResult{
		RunID:     plan.RunID,
		Success:   true,
		Resources: make(map[string]*ExecutionResult),
		StartTime: time.Now().UTC(),
	}

	for i := range plan.Changes {
		change := &plan.Changes[i]
		id := change.Resource.ID
		res := &ExecutionResult{
			ResourceID: id,
			Action:     change.Action,
			Status:     StatusInProgress,
			StartTime:  time.Now().UTC(),
		}
		result.Resources[id] = res

		err := m.rollbackOne(ctx, change, res)
		res.EndTime = time.Now().UTC()
		if err != nil {
			res.Status = StatusFailed
			res.Error = classify(err).WithCode(ErrCodeRollbackFailed).WithResource(id)
			result.Success = false
			m.logger.Error().Str("resource", id).Err(err).Msg("rollback of resource failed")
			continue
		}
		res.Status = StatusSuccess
		m.logger.Info().
			Str("resource", id).
			Str("action", string(change.Action)).
			Msg("resource rolled back")
	}

	result.EndTime = time.Now().UTC()
	return result, nil
}

// rollbackOne applies one compensating change and persists its effect.
func (m *RollbackManager) rollbackOne(ctx context.Context, change *RollbackChange, res *ExecutionResult) error {
	provisioner, err := m.provisioners.Get(change.Resource.Type)
	if err != nil {
		return err
	}

	breaker := m.breakers.For(change.Resource.Type)
	opName := fmt.Sprintf("%s/rollback-%s", change.Resource.Type, change.Action)

	switch change.Action {
	case ActionDelete:
		attempts, err := m.retryer.Do(ctx, opName, func(ctx context.Context) error {
			return breaker.Call(ctx, func(ctx context.Context) error {
				return provisioner.Destroy(ctx, change.Resource)
			})
		})
		res.Attempts = attempts
		if err != nil {
			return err
		}
		return m.stateMgr.RemoveResource(change.Resource.ID)

	case ActionUpdate:
		var output *ProvisionOutput
		rc := &ResourceChange{
			Resource:         change.Resource,
			Stack:            change.Stack,
			Action:           ActionUpdate,
			PreviousSnapshot: change.Resource,
		}
		attempts, err := m.retryer.Do(ctx, opName, func(ctx context.Context) error {
			return breaker.Call(ctx, func(ctx context.Context) error {
				var callErr error
				output, callErr = provisioner.Provision(ctx, rc)
				return callErr
			})
		})
		res.Attempts = attempts
		if err != nil {
			return err
		}

		record := change.Resource.Clone()
		if output != nil && output.PhysicalID != "" {
			record.PhysicalID = output.PhysicalID
		}
		return m.stateMgr.PutResource(change.Stack, record)

	default:
		return NewPermanentError(
			fmt.Sprintf("unsupported rollback action %s", change.Action), nil).
			WithCode(ErrCodeValidation).WithResource(change.Resource.ID)
	}
}
