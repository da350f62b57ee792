// Package devloop implements the development watch loop: manifest
// files are watched for edits and each settled burst of changes
// triggers a fresh plan/apply cycle.
package devloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits after the last file
// event before triggering a cycle. Editors often produce several
// events per save.
const DefaultDebounce = 500 * time.Millisecond

// ApplyFunc runs one plan/apply cycle. Errors are logged and the loop
// keeps watching; a broken manifest should not kill the dev session.
type ApplyFunc func(ctx context.Context) error

// Watcher drives the dev loop over a set of manifest paths.
type Watcher struct {
	paths    []string
	debounce time.Duration
	apply    ApplyFunc
	logger   zerolog.Logger
}

// NewWatcher creates a dev loop watcher. A zero debounce uses
// DefaultDebounce.
func NewWatcher(paths []string, debounce time.Duration, apply ApplyFunc, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		paths:    paths,
		debounce: debounce,
		apply:    apply,
		logger:   logger.With().Str("component", "devloop").Logger(),
	}
}

// Run applies once, then blocks watching for changes until the context
// is cancelled. Each settled burst of events triggers another apply.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to stat path for watching")
			continue
		}
		target := path
		if !info.IsDir() {
			// Watch the directory so editor rename-and-replace saves
			// are still seen.
			target = filepath.Dir(path)
		}
		if err := watcher.Add(target); err != nil {
			w.logger.Warn().Err(err).Str("path", target).Msg("failed to watch path")
			continue
		}
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no watchable paths")
	}

	w.logger.Info().Int("paths", watched).Msg("watching for manifest changes")

	w.runCycle(ctx)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("manifest changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			w.runCycle(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := w.apply(ctx); err != nil {
		w.logger.Error().Err(err).Msg("apply cycle failed")
		return
	}
	w.logger.Info().Dur("duration", time.Since(start)).Msg("apply cycle complete")
}

// relevant filters events down to manifest file writes. Chmod-only
// events and editor temp files are ignored.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	ext := filepath.Ext(event.Name)
	return ext == ".yaml" || ext == ".yml"
}
