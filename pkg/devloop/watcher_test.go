package devloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

func TestRunAppliesOnceThenOnChange(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(manifest, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	var applies atomic.Int32
	w := NewWatcher([]string{dir}, 50*time.Millisecond, func(ctx context.Context) error {
		applies.Add(1)
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	// Wait for the initial apply.
	waitFor(t, func() bool { return applies.Load() >= 1 })

	// A burst of writes should collapse into one more apply.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(manifest, []byte("version: 1\n# edit\n"), 0o644); err != nil {
			t.Fatalf("failed to edit manifest: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return applies.Load() >= 2 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}

	if n := applies.Load(); n > 3 {
		t.Errorf("expected debounced applies, got %d", n)
	}
}

func TestRunContinuesAfterApplyError(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(manifest, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	var applies atomic.Int32
	w := NewWatcher([]string{dir}, 50*time.Millisecond, func(ctx context.Context) error {
		if applies.Add(1) == 1 {
			return errors.New("manifest is broken")
		}
		return nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, func() bool { return applies.Load() >= 1 })

	if err := os.WriteFile(manifest, []byte("version: 1\n# fixed\n"), 0o644); err != nil {
		t.Fatalf("failed to edit manifest: %v", err)
	}

	// The loop survives the failed cycle and applies again.
	waitFor(t, func() bool { return applies.Load() >= 2 })
}

func TestRunRejectsMissingPaths(t *testing.T) {
	w := NewWatcher([]string{"/nonexistent/path"}, 0, func(ctx context.Context) error {
		return nil
	}, zerolog.Nop())

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for unwatchable paths")
	}
}

func TestRelevantFiltersEvents(t *testing.T) {
	w := NewWatcher(nil, 0, nil, zerolog.Nop())

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"yaml write", fsnotify.Event{Name: "deploy.yaml", Op: fsnotify.Write}, true},
		{"yml create", fsnotify.Event{Name: "deploy.yml", Op: fsnotify.Create}, true},
		{"chmod only", fsnotify.Event{Name: "deploy.yaml", Op: fsnotify.Chmod}, false},
		{"editor swap file", fsnotify.Event{Name: ".deploy.yaml.swp", Op: fsnotify.Write}, false},
		{"unrelated file", fsnotify.Event{Name: "notes.txt", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.relevant(tt.event); got != tt.want {
				t.Errorf("relevant(%v) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
