package engine

import (
	"encoding/json"
	"fmt"
)

// Action represents the change required for a resource.
type Action string

const (
	// ActionCreate indicates a new resource should be created.
	ActionCreate Action = "create"

	// ActionUpdate indicates an existing resource should be updated.
	ActionUpdate Action = "update"

	// ActionDelete indicates an existing resource should be deleted.
	ActionDelete Action = "delete"

	// ActionNoop indicates the resource already matches its desired
	// specification.
	ActionNoop Action = "noop"
)

// IsMutating returns true if the action changes external state.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionNoop:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ResourceStatus tracks a resource through execution:
// PENDING -> IN_PROGRESS -> {SUCCESS, FAILED}, or SKIPPED if its wave
// never starts because a prior wave failed.
type ResourceStatus string

const (
	// StatusPending indicates the resource has not been attempted yet.
	StatusPending ResourceStatus = "pending"

	// StatusInProgress indicates the resource is being provisioned.
	StatusInProgress ResourceStatus = "in_progress"

	// StatusSuccess indicates the provider confirmed the change.
	StatusSuccess ResourceStatus = "success"

	// StatusFailed indicates the change failed after retries.
	StatusFailed ResourceStatus = "failed"

	// StatusSkipped indicates the resource's wave never started
	// because an earlier wave failed or the run was cancelled.
	StatusSkipped ResourceStatus = "skipped"
)

// IsTerminal returns true if the status represents a final state.
func (s ResourceStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// RunStatus represents the overall status of a deployment run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every change succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one change failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled between waves.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusRolledBack indicates the run failed and a rollback was
	// executed afterwards.
	RunStatusRolledBack RunStatus = "rolled_back"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusRolledBack
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
