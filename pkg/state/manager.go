package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager persists and queries the state snapshot for one environment.
// Writes go through an exclusive lock file so only one deployment run
// mutates an environment at a time; concurrent readers are permitted.
// Mutations within a run are serialized by an internal mutex: wave
// workers confirm resources concurrently but the snapshot is written
// one mutation at a time.
type Manager struct {
	path     string
	lockPath string
	logger   zerolog.Logger

	mu sync.RWMutex

	// current is the in-memory snapshot, loaded lazily.
	current *State

	environment string
	locked      bool
}

// NewManager creates a state manager backed by the given file path.
func NewManager(path, environment string, logger zerolog.Logger) *Manager {
	return &Manager{
		path:        path,
		lockPath:    path + ".lock",
		environment: environment,
		logger:      logger.With().Str("component", "state").Logger(),
	}
}

// Path returns the backing state file path.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the state file from disk. A missing file yields a fresh
// empty state; a corrupt file is a fatal Error and is never
// overwritten.
func (m *Manager) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*State, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.current = NewState(m.environment)
			return m.current, nil
		}
		return nil, newError("load", m.path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, newError("load", m.path, fmt.Errorf("corrupt state file: %w", err))
	}
	if st.Stacks == nil {
		st.Stacks = make(map[string]*Stack)
	}
	for name, stack := range st.Stacks {
		if stack == nil {
			st.Stacks[name] = NewStack()
		} else if stack.Resources == nil {
			stack.Resources = make(map[string]*Resource)
		}
	}

	m.current = &st
	m.logger.Debug().
		Str("environment", st.Environment).
		Int("resources", st.ResourceCount()).
		Msg("state loaded")
	return m.current, nil
}

// Save writes the snapshot atomically: the full document is written to
// a temporary file in the same directory and renamed over the target,
// so a crash never leaves a partially written state file.
func (m *Manager) Save(st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(st)
}

func (m *Manager) saveLocked(st *State) error {
	st.Version = SchemaVersion
	st.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return newError("save", m.path, err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newError("save", m.path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return newError("save", m.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("save", m.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError("save", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError("save", m.path, err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return newError("save", m.path, err)
	}

	m.current = st
	return nil
}

// Lock acquires the exclusive run lock for this environment. The lock
// is a sibling file created with O_EXCL; if it already exists another
// run holds it and ErrLocked is returned.
func (m *Manager) Lock() error {
	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0o755); err != nil {
		return newError("lock", m.lockPath, err)
	}

	f, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return newError("lock", m.lockPath, ErrLocked)
		}
		return newError("lock", m.lockPath, err)
	}
	defer f.Close()

	fmt.Fprintf(f, "pid=%s time=%s\n",
		strconv.Itoa(os.Getpid()), time.Now().UTC().Format(time.RFC3339))
	m.locked = true
	return nil
}

// Unlock releases the run lock. Releasing an unheld lock is a no-op.
func (m *Manager) Unlock() error {
	if !m.locked {
		return nil
	}
	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return newError("unlock", m.lockPath, err)
	}
	m.locked = false
	return nil
}

// stateLocked returns the in-memory snapshot, loading it if needed.
// Caller holds m.mu.
func (m *Manager) stateLocked() (*State, error) {
	if m.current != nil {
		return m.current, nil
	}
	return m.loadLocked()
}

// GetResource returns the recorded resource with the given ID.
func (m *Manager) GetResource(id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stateLocked()
	if err != nil {
		return nil, err
	}
	r, ok := st.Resource(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	return r.Clone(), nil
}

// PutResource records a resource in the named stack and persists the
// snapshot immediately. Callers persist per resource, not per wave, so
// a crash loses at most the in-flight resource.
func (m *Manager) PutResource(stackName string, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stateLocked()
	if err != nil {
		return err
	}

	stack, ok := st.Stacks[stackName]
	if !ok {
		stack = NewStack()
		st.Stacks[stackName] = stack
	}
	stack.Resources[r.ID] = r.Clone()

	return m.saveLocked(st)
}

// RemoveResource removes a resource from whichever stack contains it
// and persists the snapshot. Removing an absent resource is an error.
func (m *Manager) RemoveResource(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stateLocked()
	if err != nil {
		return err
	}

	for _, stack := range st.Stacks {
		if _, ok := stack.Resources[id]; ok {
			delete(stack.Resources, id)
			return m.saveLocked(st)
		}
	}
	return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
}

// DependenciesOf returns the IDs the resource directly depends on.
func (m *Manager) DependenciesOf(id string) ([]string, error) {
	r, err := m.GetResource(id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), r.Dependencies...), nil
}

// DependentsOf returns the IDs of resources that directly depend on
// the given resource.
func (m *Manager) DependentsOf(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stateLocked()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, r := range st.AllResources() {
		for _, dep := range r.Dependencies {
			if dep == id {
				out = append(out, r.ID)
				break
			}
		}
	}
	return out, nil
}

// Snapshot returns a deep copy of the current state. Rollback planning
// captures the pre-run snapshot with this so later mutations do not
// alias it.
func (m *Manager) Snapshot() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.stateLocked()
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}
