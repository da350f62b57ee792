package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/surgecd/surge/pkg/state"
	"github.com/surgecd/surge/pkg/telemetry"
)

// PlanGuard vets a plan before execution. A violation aborts the run
// with zero side effects, exactly like a planning error.
type PlanGuard interface {
	CheckPlan(ctx context.Context, plan *DeploymentPlan) error
}

// RunRecorder persists run outcomes and progress events for later
// inspection (surge status / history).
type RunRecorder interface {
	RecordRun(ctx context.Context, result *DeploymentResult) error
	RecordEvent(ctx context.Context, event ProgressEvent) error
}

// DeployOptions controls one orchestrated deployment.
type DeployOptions struct {
	// Filter restricts the run to a subset of resources.
	Filter *Filter

	// Concurrency is the worker pool size within a wave.
	Concurrency int

	// AutoRollback rolls back a failed run immediately. Rollback
	// never happens unless requested here or via Rollback.
	AutoRollback bool

	// Progress receives every resource transition and wave boundary.
	Progress ProgressFunc
}

// Orchestrator wires the planner, executor, checkpoint manager and
// rollback manager behind Deploy / Destroy / Rollback entry points.
// It owns the state lock for the duration of a run.
type Orchestrator struct {
	stateMgr     *state.Manager
	checkpoints  *state.CheckpointManager
	planner      *Planner
	executor     *Executor
	rollback     *RollbackManager
	provisioners *ProvisionerRegistry
	logger       zerolog.Logger

	guard    PlanGuard
	recorder RunRecorder
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

// OrchestratorConfig carries the explicit construction parameters.
type OrchestratorConfig struct {
	Retry   RetryConfig
	Breaker BreakerConfig
}

// NewOrchestrator builds a fully wired orchestrator.
func NewOrchestrator(
	stateMgr *state.Manager,
	checkpoints *state.CheckpointManager,
	provisioners *ProvisionerRegistry,
	cfg OrchestratorConfig,
	logger zerolog.Logger,
) *Orchestrator {
	retryer := NewRetryer(cfg.Retry, logger)
	breakers := NewBreakerRegistry(cfg.Breaker)

	return &Orchestrator{
		stateMgr:     stateMgr,
		checkpoints:  checkpoints,
		planner:      NewPlanner(logger),
		executor:     NewExecutor(provisioners, stateMgr, checkpoints, retryer, breakers, logger),
		rollback:     NewRollbackManager(stateMgr, provisioners, retryer, breakers, logger),
		provisioners: provisioners,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		tracer:       noop.NewTracerProvider().Tracer("surge"),
	}
}

// SetGuard attaches a policy guard evaluated against every plan.
func (o *Orchestrator) SetGuard(g PlanGuard) { o.guard = g }

// SetRecorder attaches a run history recorder.
func (o *Orchestrator) SetRecorder(r RunRecorder) { o.recorder = r }

// SetMetrics attaches a metrics collector.
func (o *Orchestrator) SetMetrics(m *telemetry.Metrics) {
	o.metrics = m
	o.executor.SetMetrics(m)
}

// SetTracer attaches an OpenTelemetry tracer.
func (o *Orchestrator) SetTracer(t trace.Tracer) {
	if t != nil {
		o.tracer = t
	}
}

// Plan computes a deployment plan without side effects.
func (o *Orchestrator) Plan(ctx context.Context, desired []Desired, filter *Filter) (*DeploymentPlan, error) {
	_, span := o.tracer.Start(ctx, "orchestrator.plan")
	defer span.End()

	current, err := o.stateMgr.Load()
	if err != nil {
		return nil, wrapStateError(err)
	}

	plan, err := o.planner.Plan(desired, current, filter)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.changes", plan.ChangeCount()),
	)

	if o.guard != nil {
		if err := o.guard.CheckPlan(ctx, plan); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Deploy plans and executes a deployment run. The state lock is held
// for the whole run; a plan with zero changes returns a successful
// empty result without any provisioner call.
func (o *Orchestrator) Deploy(ctx context.Context, desired []Desired, opts DeployOptions) (*DeploymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.deploy")
	defer span.End()

	if err := o.stateMgr.Lock(); err != nil {
		return nil, wrapStateError(err)
	}
	defer o.stateMgr.Unlock()

	plan, err := o.Plan(ctx, desired, opts.Filter)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, plan, opts)
}

// Destroy plans and executes deletion of every selected resource.
func (o *Orchestrator) Destroy(ctx context.Context, opts DeployOptions) (*DeploymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.destroy")
	defer span.End()

	if err := o.stateMgr.Lock(); err != nil {
		return nil, wrapStateError(err)
	}
	defer o.stateMgr.Unlock()

	current, err := o.stateMgr.Load()
	if err != nil {
		return nil, wrapStateError(err)
	}

	plan, err := o.planner.PlanDestroy(current, opts.Filter)
	if err != nil {
		return nil, err
	}
	if o.guard != nil {
		if err := o.guard.CheckPlan(ctx, plan); err != nil {
			return nil, err
		}
	}

	return o.run(ctx, plan, opts)
}

// Resume re-executes a previously interrupted deployment. Since plan
// identity is derived from the change set, re-planning the same
// desired resources finds the stored checkpoint and skips completed
// work.
func (o *Orchestrator) Resume(ctx context.Context, desired []Desired, opts DeployOptions) (*DeploymentResult, error) {
	if err := o.stateMgr.Lock(); err != nil {
		return nil, wrapStateError(err)
	}
	defer o.stateMgr.Unlock()

	plan, err := o.Plan(ctx, desired, opts.Filter)
	if err != nil {
		return nil, err
	}

	cp, err := o.checkpoints.Load(plan.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, NewPermanentError("no checkpoint found for this plan", nil).
			WithCode(ErrCodeValidation).
			WithDetail("plan_id", plan.ID)
	}

	return o.run(ctx, plan, opts)
}

// run executes a validated plan and handles optional auto-rollback.
func (o *Orchestrator) run(ctx context.Context, plan *DeploymentPlan, opts DeployOptions) (*DeploymentResult, error) {
	if plan.IsEmpty() {
		now := time.Now().UTC()
		return &DeploymentResult{
			PlanID:      plan.ID,
			Environment: plan.Environment,
			Status:      RunStatusSucceeded,
			Success:     true,
			StartTime:   now,
			EndTime:     now,
			Resources:   make(map[string]*ExecutionResult),
		}, nil
	}

	// Captured before any provider call so UPDATE rollbacks can
	// restore the pre-run snapshot. On resume the snapshot saved by
	// the original run wins: the partially-applied state is not what a
	// rollback should restore.
	preState, err := o.checkpoints.LoadSnapshot(plan.ID)
	if err != nil {
		return nil, wrapStateError(err)
	}
	if preState == nil {
		preState, err = o.stateMgr.Snapshot()
		if err != nil {
			return nil, wrapStateError(err)
		}
		if err := o.checkpoints.SaveSnapshot(plan.ID, preState); err != nil {
			return nil, wrapStateError(err)
		}
	}

	if o.metrics != nil {
		o.metrics.RecordRunStarted(plan.Environment)
	}

	progress := opts.Progress
	if o.recorder != nil {
		inner := progress
		recorder := o.recorder
		progress = func(ev ProgressEvent) {
			if inner != nil {
				inner(ev)
			}
			// History writes must never stall a wave.
			_ = recorder.RecordEvent(context.Background(), ev)
		}
	}

	execCtx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(attribute.String("plan.id", plan.ID)))
	result, err := o.executor.Execute(execCtx, plan, ExecOptions{
		Concurrency: opts.Concurrency,
		Progress:    progress,
	})
	span.End()
	if err != nil {
		return result, err
	}

	if result.Success {
		if err := o.checkpoints.DeleteSnapshot(plan.ID); err != nil {
			o.logger.Warn().Err(err).Msg("failed to delete pre-run snapshot")
		}
	}

	if !result.Success && opts.AutoRollback && result.Status != RunStatusCancelled {
		rbResult, rbErr := o.RollbackRun(ctx, result, preState)
		if rbErr != nil {
			o.logger.Error().Err(rbErr).Msg("rollback planning failed")
		} else if rbResult.Success {
			result.Status = RunStatusRolledBack
		}
	}

	if o.metrics != nil {
		o.metrics.RecordRunCompleted(string(result.Status), result.EndTime.Sub(result.StartTime))
	}
	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, result); err != nil {
			o.logger.Warn().Err(err).Msg("failed to record run history")
		}
	}

	return result, nil
}

// RollbackRun computes and executes the compensating plan for a run.
// On full rollback success the run's checkpoint is deleted.
func (o *Orchestrator) RollbackRun(ctx context.Context, result *DeploymentResult, preState *state.State) (*RollbackResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.rollback",
		trace.WithAttributes(attribute.String("run.id", result.RunID)))
	defer span.End()

	plan, err := o.rollback.PlanRollback(result, preState)
	if err != nil {
		return nil, err
	}

	rbResult, err := o.rollback.ExecuteRollback(ctx, plan)
	if err != nil {
		return nil, err
	}

	if rbResult.Success && o.checkpoints != nil && result.PlanID != "" {
		if err := o.checkpoints.Delete(result.PlanID); err != nil {
			o.logger.Warn().Err(err).Msg("failed to delete checkpoint after rollback")
		}
		if err := o.checkpoints.DeleteSnapshot(result.PlanID); err != nil {
			o.logger.Warn().Err(err).Msg("failed to delete pre-run snapshot after rollback")
		}
	}
	return rbResult, nil
}

// wrapStateError maps state persistence failures onto the deploy error
// taxonomy so callers branch on codes, not package internals.
func wrapStateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrLocked) {
		return NewPermanentError("state is locked by another run", err).
			WithCode(ErrCodeStateLocked)
	}
	var serr *state.Error
	if errors.As(err, &serr) {
		return NewPermanentError("state store failure", err).
			WithCode(ErrCodeStateCorrupt)
	}
	return err
}
