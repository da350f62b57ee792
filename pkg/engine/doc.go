// Package engine implements the Surge deployment orchestrator core.
//
// # Overview
//
// Surge turns a declarative set of desired resources into confirmed
// provider effects through a plan/execute pipeline:
//
//  1. Plan - diff desired resources against the state store and group
//     the required changes into dependency-ordered waves (Planner)
//  2. Execute - run waves strictly in order with bounded parallelism
//     inside each wave (Executor)
//  3. Persist - record every confirmed effect in the state store,
//     resource by resource (state.Manager)
//  4. Recover - resume an interrupted run from its checkpoint, or
//     compensate a failed one (RollbackManager)
//
// # Core Domain Types
//
//   - ResourceChange: one planned change with its action and, for
//     updates and deletes, the pre-change snapshot
//   - Wave: a set of changes with no mutual dependency, safe to run
//     concurrently
//   - DeploymentPlan: the ordered waves plus NOOP anchors and summary
//   - ExecutionResult / DeploymentResult: per-resource and aggregate
//     outcomes; a resource failure is data, not a panic
//   - RollbackPlan / RollbackResult: the compensating plan and its
//     per-resource outcomes
//
// # Provisioners
//
// External side effects go through the Provisioner interface, one
// implementation per resource type:
//
//	type Provisioner interface {
//	    Type() string
//	    Provision(ctx context.Context, change *ResourceChange) (*ProvisionOutput, error)
//	    Destroy(ctx context.Context, resource *state.Resource) error
//	}
//
// Every provisioner call is wrapped in a classification-aware retry
// (exponential backoff with jitter) and a per-type circuit breaker.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: may succeed on retry (timeouts, connection failures)
//   - Throttled: rate limiting, retried with a larger backoff
//   - Permanent: never retried (validation, authorization, not found)
//
// Use the helpers to inspect errors:
//
//	if IsRetryable(err) {
//	    // The call will be retried by the executor's wrapper.
//	}
//
// # Ordering Guarantees
//
// Across waves execution is strictly sequential: wave k+1 never starts
// before wave k fully resolves, and never starts at all if any member
// of wave k failed. Within a wave there is no ordering, by
// construction: wave members share no dependency. Plans and the
// dependency graph are immutable once built and safe to share across
// worker goroutines.
package engine
