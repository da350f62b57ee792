package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/state"
	"github.com/surgecd/surge/pkg/telemetry"
)

// ExecOptions controls a single execution of a plan.
type ExecOptions struct {
	// Concurrency is the bounded worker pool size within a wave.
	Concurrency int

	// Progress receives an event on every resource state transition
	// and wave boundary. May be nil.
	Progress ProgressFunc
}

// Executor runs a deployment plan wave by wave. Waves execute strictly
// in order; within a wave, changes are dispatched to a bounded worker
// pool. The executor is the only writer of the state store: each
// confirmed provider effect is persisted immediately, resource by
// resource.
type Executor struct {
	provisioners *ProvisionerRegistry
	stateMgr     *state.Manager
	checkpoints  *state.CheckpointManager
	retryer      *Retryer
	breakers     *BreakerRegistry
	logger       zerolog.Logger
	metrics      *telemetry.Metrics

	// mu protects statuses during a run.
	mu       sync.RWMutex
	statuses map[string]ResourceStatus
}

// NewExecutor creates an executor.
func NewExecutor(
	provisioners *ProvisionerRegistry,
	stateMgr *state.Manager,
	checkpoints *state.CheckpointManager,
	retryer *Retryer,
	breakers *BreakerRegistry,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		provisioners: provisioners,
		stateMgr:     stateMgr,
		checkpoints:  checkpoints,
		retryer:      retryer,
		breakers:     breakers,
		logger:       logger.With().Str("component", "executor").Logger(),
		statuses:     make(map[string]ResourceStatus),
	}
}

// SetMetrics attaches a metrics collector. Optional.
func (e *Executor) SetMetrics(m *telemetry.Metrics) {
	e.metrics = m
}

// Execute runs the plan and returns the aggregated result. A single
// resource's failure never surfaces as an error from Execute: it is
// recorded in the result, the rest of its wave finishes, and no
// further wave starts. Execute returns a non-nil error only for
// infrastructure failures (checkpoint or state persistence).
func (e *Executor) Execute(ctx context.Context, plan *DeploymentPlan, opts ExecOptions) (*DeploymentResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	result := &DeploymentResult{
		RunID:       uuid.New().String(),
		PlanID:      plan.ID,
		Environment: plan.Environment,
		Status:      RunStatusRunning,
		StartTime:   time.Now().UTC(),
		Resources:   make(map[string]*ExecutionResult),
	}

	// Seed every planned change as pending.
	e.mu.Lock()
	e.statuses = make(map[string]ResourceStatus)
	for _, wave := range plan.Waves {
		for i := range wave.Changes {
			c := &wave.Changes[i]
			e.statuses[c.Resource.ID] = StatusPending
			result.Resources[c.Resource.ID] = &ExecutionResult{
				ResourceID: c.Resource.ID,
				Action:     c.Action,
				Status:     StatusPending,
			}
		}
	}
	e.mu.Unlock()

	// A checkpoint for the same plan identity means a prior run was
	// interrupted: skip anything it already completed.
	completed := make(map[string]struct{})
	if e.checkpoints != nil {
		cp, err := e.checkpoints.Load(plan.ID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			for _, id := range cp.Completed {
				completed[id] = struct{}{}
			}
			e.logger.Info().
				Str("plan_id", plan.ID).
				Int("completed", len(completed)).
				Msg("resuming from checkpoint")
		}
	}

	if err := e.writeCheckpoint(plan, result); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("run_id", result.RunID).
		Str("plan_id", plan.ID).
		Int("waves", len(plan.Waves)).
		Int("changes", plan.ChangeCount()).
		Int("concurrency", concurrency).
		Msg("execution started")

	failed := false
	cancelled := false

	for wi := range plan.Waves {
		wave := &plan.Waves[wi]

		if failed {
			e.skipWave(result, wave, opts.Progress, "earlier wave failed")
			continue
		}

		// Cooperative cancellation: checked only between waves so
		// in-flight resources always finish.
		if ctx.Err() != nil {
			cancelled = true
			e.skipWave(result, wave, opts.Progress, "run cancelled")
			continue
		}

		e.emit(opts.Progress, ProgressEvent{
			RunID:     result.RunID,
			Wave:      wave.Index,
			Message:   fmt.Sprintf("wave %d started (%d changes)", wave.Index, len(wave.Changes)),
			Timestamp: time.Now().UTC(),
		})

		waveResult := e.executeWave(ctx, result, wave, completed, concurrency, opts.Progress)
		result.Waves = append(result.Waves, waveResult)

		if err := e.writeCheckpoint(plan, result); err != nil {
			result.Status = RunStatusFailed
			result.EndTime = time.Now().UTC()
			return result, err
		}

		e.emit(opts.Progress, ProgressEvent{
			RunID: result.RunID,
			Wave:  wave.Index,
			Message: fmt.Sprintf("wave %d finished: %d succeeded (%d resumed), %d failed",
				wave.Index, waveResult.Succeeded, waveResult.Resumed, waveResult.Failed),
			Timestamp: time.Now().UTC(),
		})

		if waveResult.Failed > 0 {
			failed = true
		}
	}

	result.EndTime = time.Now().UTC()
	switch {
	case cancelled:
		result.Status = RunStatusCancelled
	case failed:
		result.Status = RunStatusFailed
	default:
		result.Status = RunStatusSucceeded
		result.Success = true
	}

	// A clean run needs no resume point.
	if result.Success && e.checkpoints != nil {
		if err := e.checkpoints.Delete(plan.ID); err != nil {
			return result, err
		}
	}

	e.logger.Info().
		Str("run_id", result.RunID).
		Str("status", string(result.Status)).
		Int("succeeded", result.CountByStatus(StatusSuccess)).
		Int("failed", result.CountByStatus(StatusFailed)).
		Int("skipped", result.CountByStatus(StatusSkipped)).
		Dur("duration", result.EndTime.Sub(result.StartTime)).
		Msg("execution finished")

	return result, nil
}

// executeWave dispatches the wave's changes to a bounded worker pool
// and waits for all of them. Sibling failures do not cancel in-flight
// work.
func (e *Executor) executeWave(
	ctx context.Context,
	result *DeploymentResult,
	wave *Wave,
	completed map[string]struct{},
	concurrency int,
	progress ProgressFunc,
) WaveResult {
	start := time.Now()
	wr := WaveResult{Index: wave.Index}

	workers := concurrency
	if len(wave.Changes) < workers {
		workers = len(wave.Changes)
	}

	queue := make(chan *ResourceChange, len(wave.Changes))
	for i := range wave.Changes {
		queue <- &wave.Changes[i]
	}
	close(queue)

	var wg sync.WaitGroup
	var counts struct {
		sync.Mutex
		succeeded, failed, resumed int
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for change := range queue {
				id := change.Resource.ID

				if _, done := completed[id]; done {
					// Confirmed by the interrupted run; the state
					// store already reflects it.
					e.finishResource(result, change, StatusSuccess, 0, nil, progress, wave.Index)
					counts.Lock()
					counts.succeeded++
					counts.resumed++
					counts.Unlock()
					continue
				}

				res := e.executeChange(ctx, result, change, progress, wave.Index)
				counts.Lock()
				if res.Status == StatusSuccess {
					counts.succeeded++
				} else {
					counts.failed++
				}
				counts.Unlock()
			}
		}()
	}

	wg.Wait()

	wr.Succeeded = counts.succeeded
	wr.Failed = counts.failed
	wr.Resumed = counts.resumed
	wr.Duration = time.Since(start)
	return wr
}

// executeChange runs one resource change through the circuit breaker
// and retry wrapper, then persists the confirmed effect.
func (e *Executor) executeChange(
	ctx context.Context,
	result *DeploymentResult,
	change *ResourceChange,
	progress ProgressFunc,
	waveIndex int,
) *ExecutionResult {
	id := change.Resource.ID
	start := time.Now().UTC()

	e.setStatus(id, StatusInProgress)
	res := result.Resources[id]
	res.Status = StatusInProgress
	res.StartTime = start
	e.emit(progress, ProgressEvent{
		RunID:      result.RunID,
		ResourceID: id,
		Wave:       waveIndex,
		Status:     StatusInProgress,
		Message:    fmt.Sprintf("%s %s", change.Action, id),
		Timestamp:  start,
	})

	provisioner, err := e.provisioners.Get(change.Resource.Type)
	if err != nil {
		return e.finishResource(result, change, StatusFailed, 1, classify(err), progress, waveIndex)
	}

	breaker := e.breakers.For(change.Resource.Type)
	var output *ProvisionOutput

	opName := fmt.Sprintf("%s/%s", change.Resource.Type, change.Action)
	attempts, err := e.retryer.Do(ctx, opName, func(ctx context.Context) error {
		return breaker.Call(ctx, func(ctx context.Context) error {
			callStart := time.Now()
			var callErr error
			if change.Action == ActionDelete {
				callErr = provisioner.Destroy(ctx, change.Resource)
			} else {
				output, callErr = provisioner.Provision(ctx, change)
			}
			if e.metrics != nil {
				e.metrics.RecordProvisionerCall(change.Resource.Type, string(change.Action), time.Since(callStart))
				if callErr != nil {
					e.metrics.RecordProvisionerError(change.Resource.Type, string(change.Action))
				}
			}
			return callErr
		})
	})

	if err != nil {
		return e.finishResource(result, change, StatusFailed, attempts, classify(err), progress, waveIndex)
	}

	// Persist the confirmed effect for this single resource before
	// reporting success, so a crash after this point loses nothing.
	if err := e.persistEffect(change, output); err != nil {
		return e.finishResource(result, change, StatusFailed, attempts,
			NewPermanentError("failed to persist state", err).
				WithCode(ErrCodeStateCorrupt).WithResource(id), progress, waveIndex)
	}

	return e.finishResource(result, change, StatusSuccess, attempts, nil, progress, waveIndex)
}

// persistEffect records the confirmed provider effect in the state
// store.
func (e *Executor) persistEffect(change *ResourceChange, output *ProvisionOutput) error {
	if change.Action == ActionDelete {
		return e.stateMgr.RemoveResource(change.Resource.ID)
	}

	record := change.Resource.Clone()
	if output != nil {
		if output.PhysicalID != "" {
			record.PhysicalID = output.PhysicalID
		}
		if output.Properties != nil {
			record.Properties = output.Properties
		}
	}
	if record.PhysicalID == "" && change.PreviousSnapshot != nil {
		// Updates keep the identity assigned at create time.
		record.PhysicalID = change.PreviousSnapshot.PhysicalID
	}
	return e.stateMgr.PutResource(change.Stack, record)
}

// finishResource records a terminal status for a change and emits the
// transition.
func (e *Executor) finishResource(
	result *DeploymentResult,
	change *ResourceChange,
	status ResourceStatus,
	attempts int,
	derr *DeployError,
	progress ProgressFunc,
	waveIndex int,
) *ExecutionResult {
	id := change.Resource.ID
	now := time.Now().UTC()

	e.setStatus(id, status)
	res := result.Resources[id]
	res.Status = status
	res.Attempts = attempts
	res.Error = derr
	if res.StartTime.IsZero() {
		res.StartTime = now
	}
	res.EndTime = now

	if e.metrics != nil {
		e.metrics.RecordResourceExecution(string(change.Action), string(status),
			res.Duration(), change.Resource.Type)
		if derr != nil {
			e.metrics.RecordError(string(derr.Class), derr.Code)
		}
	}

	msg := fmt.Sprintf("%s %s: %s", change.Action, id, status)
	var eventErr error
	if derr != nil {
		eventErr = derr
		e.logger.Error().
			Str("resource", id).
			Str("action", string(change.Action)).
			Int("attempts", attempts).
			Err(derr).
			Msg("resource change failed")
	} else if status == StatusSuccess {
		e.logger.Info().
			Str("resource", id).
			Str("action", string(change.Action)).
			Int("attempts", attempts).
			Msg("resource change confirmed")
	}

	e.emit(progress, ProgressEvent{
		RunID:      result.RunID,
		ResourceID: id,
		Wave:       waveIndex,
		Status:     status,
		Message:    msg,
		Timestamp:  now,
		Err:        eventErr,
	})
	return res
}

// skipWave marks every change in the wave as skipped.
func (e *Executor) skipWave(result *DeploymentResult, wave *Wave, progress ProgressFunc, reason string) {
	wr := WaveResult{Index: wave.Index}
	for i := range wave.Changes {
		change := &wave.Changes[i]
		id := change.Resource.ID
		now := time.Now().UTC()

		e.setStatus(id, StatusSkipped)
		res := result.Resources[id]
		res.Status = StatusSkipped
		res.StartTime = now
		res.EndTime = now
		wr.Skipped++

		e.emit(progress, ProgressEvent{
			RunID:      result.RunID,
			ResourceID: id,
			Wave:       wave.Index,
			Status:     StatusSkipped,
			Message:    fmt.Sprintf("skipped %s: %s", id, reason),
			Timestamp:  now,
		})
	}
	result.Waves = append(result.Waves, wr)
}

// writeCheckpoint persists the current progress for this plan.
func (e *Executor) writeCheckpoint(plan *DeploymentPlan, result *DeploymentResult) error {
	if e.checkpoints == nil {
		return nil
	}

	cp := &state.Checkpoint{PlanID: plan.ID}
	e.mu.RLock()
	for id, status := range e.statuses {
		switch status {
		case StatusSuccess:
			cp.Completed = append(cp.Completed, id)
		case StatusFailed:
			cp.Failed = append(cp.Failed, id)
		default:
			cp.Pending = append(cp.Pending, id)
		}
	}
	e.mu.RUnlock()

	return e.checkpoints.Save(cp)
}

func (e *Executor) setStatus(id string, status ResourceStatus) {
	e.mu.Lock()
	e.statuses[id] = status
	e.mu.Unlock()
}

func (e *Executor) emit(progress ProgressFunc, event ProgressEvent) {
	if progress != nil {
		progress(event)
	}
}

// classify wraps an arbitrary error as a DeployError. Unclassified
// failures are permanent PROVISION_FAILED errors.
func classify(err error) *DeployError {
	if err == nil {
		return nil
	}
	var derr *DeployError
	if errors.As(err, &derr) {
		return derr
	}
	return NewPermanentError("provisioning failed", err).
		WithCode(ErrCodeProvisionFailed)
}
