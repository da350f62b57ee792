package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Checkpoint records how far a plan's execution progressed so an
// interrupted run can resume without re-provisioning completed
// resources. Checkpoints are created at plan start, updated after each
// wave, and deleted on successful completion or successful rollback.
type Checkpoint struct {
	// PlanID identifies the plan this checkpoint belongs to.
	PlanID string `json:"plan_id"`

	// Completed lists resource IDs that finished successfully.
	Completed []string `json:"completed_resource_ids"`

	// Pending lists resource IDs not yet attempted.
	Pending []string `json:"pending_resource_ids"`

	// Failed lists resource IDs that failed.
	Failed []string `json:"failed_resource_ids,omitempty"`

	// Timestamp is when the checkpoint was last written.
	Timestamp time.Time `json:"timestamp"`
}

// IsCompleted reports whether the resource is recorded as done.
func (c *Checkpoint) IsCompleted(resourceID string) bool {
	for _, id := range c.Completed {
		if id == resourceID {
			return true
		}
	}
	return false
}

// CheckpointManager persists checkpoints as one JSON file per plan.
type CheckpointManager struct {
	dir string
}

// NewCheckpointManager creates a checkpoint manager rooted at dir.
func NewCheckpointManager(dir string) *CheckpointManager {
	return &CheckpointManager{dir: dir}
}

func (m *CheckpointManager) pathFor(planID string) string {
	return filepath.Join(m.dir, planID+".checkpoint.json")
}

// Save writes the checkpoint atomically (temp file + rename).
func (m *CheckpointManager) Save(cp *Checkpoint) error {
	cp.Timestamp = time.Now().UTC()
	sort.Strings(cp.Completed)
	sort.Strings(cp.Pending)
	sort.Strings(cp.Failed)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return newError("checkpoint", m.pathFor(cp.PlanID), err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return newError("checkpoint", m.dir, err)
	}

	path := m.pathFor(cp.PlanID)
	tmp, err := os.CreateTemp(m.dir, "checkpoint-*.tmp")
	if err != nil {
		return newError("checkpoint", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("checkpoint", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError("checkpoint", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return newError("checkpoint", path, err)
	}
	return nil
}

// Load reads the checkpoint for the plan. A missing checkpoint returns
// (nil, nil): there is nothing to resume.
func (m *CheckpointManager) Load(planID string) (*Checkpoint, error) {
	path := m.pathFor(planID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError("checkpoint", path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, newError("checkpoint", path, fmt.Errorf("corrupt checkpoint: %w", err))
	}
	return &cp, nil
}

// Delete removes the checkpoint for the plan. Deleting an absent
// checkpoint is a no-op.
func (m *CheckpointManager) Delete(planID string) error {
	if err := os.Remove(m.pathFor(planID)); err != nil && !os.IsNotExist(err) {
		return newError("checkpoint", m.pathFor(planID), err)
	}
	return nil
}

func (m *CheckpointManager) snapshotPathFor(planID string) string {
	return filepath.Join(m.dir, planID+".prestate.json")
}

// SaveSnapshot persists the pre-run state for a plan. An existing
// snapshot is kept: on resume the original pre-run state is the one a
// rollback must restore, not the partially-applied state.
func (m *CheckpointManager) SaveSnapshot(planID string, st *State) error {
	path := m.snapshotPathFor(planID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return newError("snapshot", path, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return newError("snapshot", m.dir, err)
	}

	tmp, err := os.CreateTemp(m.dir, "prestate-*.tmp")
	if err != nil {
		return newError("snapshot", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("snapshot", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError("snapshot", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return newError("snapshot", path, err)
	}
	return nil
}

// LoadSnapshot reads the pre-run state for a plan. A missing snapshot
// returns (nil, nil).
func (m *CheckpointManager) LoadSnapshot(planID string) (*State, error) {
	path := m.snapshotPathFor(planID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError("snapshot", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, newError("snapshot", path, fmt.Errorf("corrupt snapshot: %w", err))
	}
	return &st, nil
}

// DeleteSnapshot removes the pre-run state for a plan. Deleting an
// absent snapshot is a no-op.
func (m *CheckpointManager) DeleteSnapshot(planID string) error {
	if err := os.Remove(m.snapshotPathFor(planID)); err != nil && !os.IsNotExist(err) {
		return newError("snapshot", m.snapshotPathFor(planID), err)
	}
	return nil
}

// List returns the plan IDs of all stored checkpoints.
func (m *CheckpointManager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, newError("checkpoint", m.dir, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		const suffix = ".checkpoint.json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}
