package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCheckpoint_SaveLoadRoundTrip(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	cp := &Checkpoint{
		PlanID:    "abc123",
		Completed: []string{"net", "db"},
		Pending:   []string{"app"},
		Failed:    []string{"cache"},
	}
	if err := m.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cp.Timestamp.IsZero() {
		t.Error("Save must stamp the checkpoint")
	}

	loaded, err := m.Load("abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("checkpoint missing after Save")
	}
	// Saved slices are sorted for a stable on-disk form.
	if !reflect.DeepEqual(loaded.Completed, []string{"db", "net"}) {
		t.Errorf("completed = %v, want [db net]", loaded.Completed)
	}
	if !reflect.DeepEqual(loaded.Pending, []string{"app"}) {
		t.Errorf("pending = %v, want [app]", loaded.Pending)
	}
	if !reflect.DeepEqual(loaded.Failed, []string{"cache"}) {
		t.Errorf("failed = %v, want [cache]", loaded.Failed)
	}

	if !loaded.IsCompleted("net") {
		t.Error("net should be completed")
	}
	if loaded.IsCompleted("app") {
		t.Error("app should not be completed")
	}
}

func TestCheckpoint_LoadMissingReturnsNil(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	cp, err := m.Load("never-saved")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Errorf("cp = %+v, want nil for a missing checkpoint", cp)
	}
}

func TestCheckpoint_Delete(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	if err := m.Save(&Checkpoint{PlanID: "abc123"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Delete("abc123"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cp, err := m.Load("abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Error("checkpoint should be gone after Delete")
	}

	// Deleting again is a no-op.
	if err := m.Delete("abc123"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestCheckpoint_CorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	m := NewCheckpointManager(dir)

	path := filepath.Join(dir, "bad.checkpoint.json")
	if err := os.WriteFile(path, []byte("{oops"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := m.Load("bad"); err == nil {
		t.Fatal("corrupt checkpoint must not load")
	}
}

func TestCheckpoint_List(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	for _, id := range []string{"zeta", "alpha"} {
		if err := m.Save(&Checkpoint{PlanID: id}); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"alpha", "zeta"}) {
		t.Errorf("ids = %v, want [alpha zeta]", ids)
	}
}

func TestCheckpoint_ListEmptyDir(t *testing.T) {
	m := NewCheckpointManager(filepath.Join(t.TempDir(), "does-not-exist"))

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want empty", ids)
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	st := NewState("test")
	stack := NewStack()
	stack.Resources["db"] = &Resource{
		ID: "db", Type: "database",
		Properties:   map[string]interface{}{"size": "small"},
		Dependencies: []string{"net"},
	}
	st.Stacks["main"] = stack

	clone := st.Clone()
	clone.Stacks["main"].Resources["db"].Properties["size"] = "huge"
	clone.Stacks["main"].Resources["db"].Dependencies[0] = "other"

	r, _ := st.Resource("db")
	if r.Properties["size"] != "small" {
		t.Error("clone shares property maps with the original")
	}
	if r.Dependencies[0] != "net" {
		t.Error("clone shares dependency slices with the original")
	}
}

func TestCheckpoint_SnapshotRoundTrip(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	st := NewState("staging")
	stack := NewStack()
	stack.Resources["web-1"] = &Resource{ID: "web-1", Type: "server", PhysicalID: "srv-1"}
	st.Stacks["compute"] = stack

	if err := m.SaveSnapshot("abc123", st); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := m.LoadSnapshot("abc123")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("snapshot missing after SaveSnapshot")
	}
	r, ok := loaded.Resource("web-1")
	if !ok || r.PhysicalID != "srv-1" {
		t.Errorf("resource = %+v, want web-1 with physical ID srv-1", r)
	}
}

func TestCheckpoint_SnapshotKeepsOriginal(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	original := NewState("staging")
	original.ProjectName = "original"
	if err := m.SaveSnapshot("abc123", original); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// A resumed run must not replace the pre-run snapshot with the
	// partially-applied state.
	partial := NewState("staging")
	partial.ProjectName = "partial"
	if err := m.SaveSnapshot("abc123", partial); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}

	loaded, err := m.LoadSnapshot("abc123")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loaded.ProjectName != "original" {
		t.Errorf("project = %q, want the original snapshot kept", loaded.ProjectName)
	}
}

func TestCheckpoint_SnapshotMissingAndDelete(t *testing.T) {
	m := NewCheckpointManager(t.TempDir())

	st, err := m.LoadSnapshot("never-saved")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if st != nil {
		t.Errorf("st = %+v, want nil for a missing snapshot", st)
	}

	if err := m.DeleteSnapshot("never-saved"); err != nil {
		t.Errorf("DeleteSnapshot on missing snapshot: %v", err)
	}

	if err := m.SaveSnapshot("abc123", NewState("staging")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := m.DeleteSnapshot("abc123"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	st, err = m.LoadSnapshot("abc123")
	if err != nil {
		t.Fatalf("LoadSnapshot after delete: %v", err)
	}
	if st != nil {
		t.Error("snapshot still present after DeleteSnapshot")
	}
}
