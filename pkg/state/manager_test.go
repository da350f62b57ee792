package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "state.json"), "test", zerolog.Nop())
}

func TestManager_LoadMissingFileYieldsEmptyState(t *testing.T) {
	m := newTestManager(t)

	st, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Environment != "test" {
		t.Errorf("environment = %q, want test", st.Environment)
	}
	if st.ResourceCount() != 0 {
		t.Errorf("resources = %d, want 0", st.ResourceCount())
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	st := NewState("test")
	st.Region = "eu-west-1"
	stack := NewStack()
	stack.Resources["web"] = &Resource{
		ID:         "web",
		Type:       "server",
		PhysicalID: "i-abc123",
		Properties: map[string]interface{}{"size": "small"},
		Tags:       map[string]string{"team": "platform"},
	}
	st.Stacks["main"] = stack

	if err := m.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if st.Version != SchemaVersion {
		t.Errorf("version = %q, want %q", st.Version, SchemaVersion)
	}
	if st.Timestamp.IsZero() {
		t.Error("Save must stamp the snapshot")
	}

	// A fresh manager reads it back from disk.
	other := NewManager(m.Path(), "test", zerolog.Nop())
	loaded, err := other.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, ok := loaded.Resource("web")
	if !ok {
		t.Fatal("web missing after reload")
	}
	if r.PhysicalID != "i-abc123" {
		t.Errorf("physical ID = %q, want i-abc123", r.PhysicalID)
	}
	if loaded.Region != "eu-west-1" {
		t.Errorf("region = %q, want eu-west-1", loaded.Region)
	}
}

func TestManager_CorruptFileIsFatal(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(m.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := m.Load()
	if err == nil {
		t.Fatal("corrupt state must not load")
	}
	var serr *Error
	if !errors.As(err, &serr) || serr.Op != "load" {
		t.Errorf("expected a load Error, got %v", err)
	}

	// The corrupt file is left untouched.
	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "{not json" {
		t.Error("corrupt state file must never be overwritten")
	}
}

func TestManager_SaveLeavesNoTempFiles(t *testing.T) {
	m := newTestManager(t)

	if err := m.Save(NewState("test")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(m.Path()))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != filepath.Base(m.Path()) {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory = %v, want only the state file", names)
	}

	// The written document is valid JSON.
	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if doc["version"] != SchemaVersion {
		t.Errorf("version field = %v, want %q", doc["version"], SchemaVersion)
	}
}

func TestManager_PutResourcePersistsImmediately(t *testing.T) {
	m := newTestManager(t)

	err := m.PutResource("main", &Resource{ID: "db", Type: "database", PhysicalID: "rds-1"})
	if err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	// Visible to a completely separate manager without any Save call.
	other := NewManager(m.Path(), "test", zerolog.Nop())
	r, err := other.GetResource("db")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if r.PhysicalID != "rds-1" {
		t.Errorf("physical ID = %q, want rds-1", r.PhysicalID)
	}
}

func TestManager_GetResourceReturnsCopy(t *testing.T) {
	m := newTestManager(t)
	if err := m.PutResource("main", &Resource{
		ID: "db", Type: "database",
		Properties: map[string]interface{}{"size": "small"},
	}); err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	r, err := m.GetResource("db")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	r.Properties["size"] = "huge"

	again, err := m.GetResource("db")
	if err != nil {
		t.Fatalf("GetResource: %v", err)
	}
	if again.Properties["size"] != "small" {
		t.Error("mutating a returned resource must not affect the stored state")
	}
}

func TestManager_RemoveResource(t *testing.T) {
	m := newTestManager(t)
	if err := m.PutResource("main", &Resource{ID: "db", Type: "database"}); err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	if err := m.RemoveResource("db"); err != nil {
		t.Fatalf("RemoveResource: %v", err)
	}
	if _, err := m.GetResource("db"); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
	if err := m.RemoveResource("db"); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("removing an absent resource: got %v, want ErrResourceNotFound", err)
	}
}

func TestManager_LockExcludesSecondRun(t *testing.T) {
	m := newTestManager(t)

	if err := m.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	other := NewManager(m.Path(), "test", zerolog.Nop())
	if err := other.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock: got %v, want ErrLocked", err)
	}

	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := other.Lock(); err != nil {
		t.Fatalf("Lock after Unlock: %v", err)
	}
	_ = other.Unlock()
}

func TestManager_UnlockWithoutLockIsNoop(t *testing.T) {
	m := newTestManager(t)
	if err := m.Unlock(); err != nil {
		t.Fatalf("Unlock without Lock: %v", err)
	}
}

func TestManager_ConcurrentPutResource(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if err := m.PutResource("main", &Resource{ID: id, Type: "null"}); err != nil {
				t.Errorf("PutResource(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	st, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.ResourceCount() != 10 {
		t.Errorf("resources = %d, want 10", st.ResourceCount())
	}
}

func TestManager_SnapshotIsDetached(t *testing.T) {
	m := newTestManager(t)
	if err := m.PutResource("main", &Resource{
		ID: "db", Type: "database",
		Properties: map[string]interface{}{"size": "small"},
	}); err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Mutate after the snapshot was taken.
	if err := m.PutResource("main", &Resource{
		ID: "db", Type: "database",
		Properties: map[string]interface{}{"size": "large"},
	}); err != nil {
		t.Fatalf("PutResource: %v", err)
	}

	r, ok := snap.Resource("db")
	if !ok {
		t.Fatal("db missing from snapshot")
	}
	if r.Properties["size"] != "small" {
		t.Error("snapshot must not observe later mutations")
	}
}

func TestManager_DependentsOf(t *testing.T) {
	m := newTestManager(t)
	for _, r := range []*Resource{
		{ID: "net", Type: "network"},
		{ID: "db", Type: "database", Dependencies: []string{"net"}},
		{ID: "app", Type: "server", Dependencies: []string{"net", "db"}},
	} {
		if err := m.PutResource("main", r); err != nil {
			t.Fatalf("PutResource(%s): %v", r.ID, err)
		}
	}

	deps, err := m.DependenciesOf("app")
	if err != nil {
		t.Fatalf("DependenciesOf: %v", err)
	}
	if len(deps) != 2 {
		t.Errorf("dependencies of app = %v, want [net db]", deps)
	}

	dependents, err := m.DependentsOf("net")
	if err != nil {
		t.Fatalf("DependentsOf: %v", err)
	}
	if len(dependents) != 2 {
		t.Errorf("dependents of net = %v, want db and app", dependents)
	}
}
